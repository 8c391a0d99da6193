package etc

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

type ClientConf struct {
	Coordinator string `json:"coordinator"`
	LogLevel    string `json:"log_level"`
}

func MakeDefaultClientConf() ClientConf {
	return ClientConf{
		Coordinator: "127.0.0.1:8700",
		LogLevel:    "warn",
	}
}

func ParseClientConf(confPath string) (ClientConf, error) {
	conf := MakeDefaultClientConf()
	confBytes, err := os.ReadFile(confPath)
	if err != nil {
		return conf, errors.Wrap(err, "failed to open config file")
	}
	if err := json.Unmarshal(confBytes, &conf); err != nil {
		return conf, errors.Wrap(err, "failed to parse config file")
	}
	if conf.Coordinator == "" {
		return conf, errors.New("coordinator address is required")
	}
	return conf, nil
}
