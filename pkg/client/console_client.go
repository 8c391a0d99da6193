package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/liushuochen/gotable"
	"github.com/liushuochen/gotable/cell"
	table2 "github.com/liushuochen/gotable/table"
	"github.com/pkg/errors"

	"github.com/allen1211/pkv/pkg/common"
)

type Operation string

const (
	NoOp     = ""
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "del"
	OpLeave  = "leave"
	OpShow   = "show"
	OpHelp   = "help"
	OpQuit   = "quit"
)

type OpDesc struct {
	argc  int
	usage string
	desc  string
}

var opMap = map[string]OpDesc{
	NoOp:     {0, "", ""},
	OpGet:    {1, "get [key]", "read a key from its primary"},
	OpPut:    {2, "put [key] [val]", "write a key"},
	OpDelete: {1, "del [key]", "remove a key"},
	OpLeave:  {1, "leave [node]", "move every partition away from a node"},
	OpShow:   {1, "show [topology|nodes|partitions] [node] [pid...]", "show cluster information"},
	OpQuit:   {0, "quit", "exit"},
	OpHelp:   {0, "help", "print this guide"},
}

// ConsoleClient is the interactive shell of pkvctl.
type ConsoleClient struct {
	ck      *KvClerk
	timeout time.Duration

	stdin  *bufio.Scanner
	stdout *bufio.Writer
}

func MakeConsoleClient(ck *KvClerk, in io.Reader, out io.Writer) *ConsoleClient {
	return &ConsoleClient{
		ck:      ck,
		timeout: 10 * time.Second,
		stdin:   bufio.NewScanner(in),
		stdout:  bufio.NewWriter(out),
	}
}

// Start serves commands until quit or the end of the input.
func (cc *ConsoleClient) Start() {
	printUserGuide(cc.stdout)
	cc.output()
	for cc.stdin.Scan() {
		op, args, err := cc.parseInput(cc.stdin.Text())
		if err != nil {
			cc.output(err.Error())
			continue
		}
		if op == OpQuit {
			_ = cc.stdout.Flush()
			return
		}
		cc.process(op, args)
	}
	_ = cc.stdout.Flush()
}

func (cc *ConsoleClient) process(op Operation, args []string) {
	opDesc := opMap[string(op)]
	if len(args) < opDesc.argc {
		cc.output(
			fmt.Sprintf("not enough arguments for operation %s, require: %d, given: %d", op, opDesc.argc, len(args)),
			opDesc.usage,
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cc.timeout)
	defer cancel()

	switch op {
	case NoOp:
		cc.output()
	case OpHelp:
		printUserGuide(cc.stdout)
		cc.output()

	case OpGet:
		v, found, err := cc.ck.Get(ctx, args[0])
		switch {
		case err != nil:
			cc.output(string(common.ToErr(err)), err.Error())
		case !found:
			cc.output(string(common.ErrNoKey))
		default:
			cc.output(string(common.OK), string(v))
		}

	case OpPut:
		cc.output(cc.errStr(cc.ck.Put(ctx, args[0], []byte(args[1]))))

	case OpDelete:
		cc.output(cc.errStr(cc.ck.Remove(ctx, args[0])))

	case OpLeave:
		id, err := strconv.Atoi(args[0])
		if err != nil {
			cc.output(fmt.Sprintf("argument [node] parse error: %v", err))
			return
		}
		cc.output(cc.errStr(cc.ck.Leave(ctx, id)))

	case OpShow:
		topo, err := cc.ck.Refresh(ctx)
		if err != nil {
			cc.output(cc.errStr(err))
			return
		}
		switch args[0] {
		case "topology":
			cc.printTopology(topo)
			cc.output()
		case "nodes":
			cc.printNodes(cc.ck.Nodes())
			cc.output()
		case "partitions":
			if len(args) < 2 {
				cc.output("show partitions needs a node id")
				return
			}
			ids, err := parseIds(args[1:])
			if err != nil {
				cc.output(err.Error())
				return
			}
			reply, err := cc.ck.Show(ctx, ids[0], ids[1:]...)
			if err != nil {
				cc.output(cc.errStr(err))
				return
			}
			cc.printPartitions(reply)
			cc.output()
		default:
			cc.output(fmt.Sprintf("unsupported show information of %q", args[0]))
		}
	}
}

func parseIds(args []string) ([]int, error) {
	ids := make([]int, 0, len(args))
	for _, s := range args {
		id, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Errorf("argument [id] parse error: %v", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (cc *ConsoleClient) errStr(err error) string {
	if err == nil {
		return string(common.OK)
	}
	return fmt.Sprintf("%s: %v", common.ToErr(err), err)
}

func (cc *ConsoleClient) output(lines ...string) {
	for _, line := range lines {
		_, _ = cc.stdout.WriteString(line)
		_, _ = cc.stdout.WriteString("\n")
	}
	_, _ = cc.stdout.WriteString(cc.slash())
	_ = cc.stdout.Flush()
}

func (cc *ConsoleClient) parseInput(line string) (op Operation, args []string, err error) {
	ss := strings.Fields(line)
	if len(ss) == 0 {
		return NoOp, nil, nil
	}
	opStr := strings.ToLower(ss[0])
	if _, ok := opMap[opStr]; !ok {
		return NoOp, nil, errors.Errorf("unsupported operation: %s", opStr)
	}
	return Operation(opStr), ss[1:], nil
}

func (cc *ConsoleClient) slash() string {
	return "> "
}

func printUserGuide(stdout *bufio.Writer) {
	cols := []string{"cmd", "usage", "describe"}

	table, err := gotable.Create(cols...)
	if err != nil {
		panic(err)
	}
	for _, col := range cols {
		table.Align(col, cell.AlignLeft)
	}
	table.CloseBorder()

	writeGuide := func(op Operation, table *table2.Table) {
		opDesc := opMap[string(op)]
		if err := table.AddRow([]string{string(op), opDesc.usage, opDesc.desc}); err != nil {
			panic(err)
		}
	}
	_, _ = stdout.WriteString("----------PKV USER GUIDE----------\n")
	for _, cmd := range []Operation{OpHelp, OpQuit, OpGet, OpPut, OpDelete, OpLeave, OpShow} {
		writeGuide(cmd, table)
	}
	_, _ = stdout.WriteString(table.String())
	_ = stdout.Flush()
}

func (cc *ConsoleClient) printTopology(topo common.Topology) {
	_, _ = cc.stdout.WriteString(fmt.Sprintf("Topology version %d, %d partitions\n", topo.Version, topo.NumPartitions()))
	table, err := gotable.Create("Partition", "Primary", "Backups")
	if err != nil {
		panic(err)
	}
	for pid, owners := range topo.Owners {
		primary, backups := "-", ""
		if len(owners) > 0 {
			primary = strconv.Itoa(owners[0])
			ss := make([]string, 0, len(owners)-1)
			for _, id := range owners[1:] {
				ss = append(ss, strconv.Itoa(id))
			}
			backups = strings.Join(ss, " ")
		}
		if err := table.AddRow([]string{strconv.Itoa(pid), primary, backups}); err != nil {
			panic(err)
		}
	}
	_, _ = cc.stdout.WriteString(table.String())
}

func (cc *ConsoleClient) printNodes(nodes []common.NodeInfo) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Id < nodes[j].Id
	})
	table, err := gotable.Create("NodeId", "Addr", "Status")
	if err != nil {
		panic(err)
	}
	for _, node := range nodes {
		if err := table.AddRow([]string{strconv.Itoa(node.Id), node.Addr, node.Status.String()}); err != nil {
			panic(err)
		}
	}
	_, _ = cc.stdout.WriteString(table.String())
}

func (cc *ConsoleClient) printPartitions(reply common.ShowReply) {
	_, _ = cc.stdout.WriteString(fmt.Sprintf("Node %d at topology version %d\n", reply.NodeId, reply.Version))
	table, err := gotable.Create("Id", "State", "Primary", "Counter", "Size")
	if err != nil {
		panic(err)
	}
	for _, p := range reply.Partitions {
		row := []string{strconv.Itoa(p.Id), p.State.String(), strconv.FormatBool(p.Primary),
			strconv.FormatUint(p.Counter, 10), strconv.Itoa(p.Size)}
		if err := table.AddRow(row); err != nil {
			panic(err)
		}
	}
	_, _ = cc.stdout.WriteString(table.String())
}
