// Package state aggregates per-subsystem configuration from one HCL file.
package state

import (
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/avnet-iotconnect/iotc-relay-service/log2"
	"github.com/avnet-iotconnect/iotc-relay-service/relay"
	"github.com/avnet-iotconnect/iotc-relay-service/upstream"
)

type Config struct {
	LogDebug bool            `hcl:"log_debug"`
	Relay    relay.Config    `hcl:"relay"`
	Upstream upstream.Config `hcl:"upstream"`
}

func ReadConfig(r io.Reader, log *log2.Log) (*Config, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Annotate(err, "config read")
	}
	c := new(Config)
	if err = hcl.Unmarshal(b, c); err != nil {
		return nil, errors.Annotate(err, "config parse")
	}
	return c, nil
}

func ReadConfigFile(path string, log *log2.Log) (*Config, error) {
	if pathAbs, err := filepath.Abs(path); err != nil {
		log.Errorf("filepath.Abs(%s) error=%v", path, err)
	} else {
		path = pathAbs
	}
	log.Debugf("reading config file %s", path)

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "config file=%s", path)
	}
	defer f.Close()
	return ReadConfig(f, log)
}

func MustReadConfig(r io.Reader, log *log2.Log) *Config {
	c, err := ReadConfig(r, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func MustReadConfigFile(path string, log *log2.Log) *Config {
	c, err := ReadConfigFile(path, log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
