package main

import (
	"gopkg.in/yaml.v3"

	"github.com/Robert-MacWha/tlock"
	"github.com/Robert-MacWha/tlock/host"
)

func parseManifest(data []byte, m *host.Manifest) error {
	return yaml.Unmarshal(data, m)
}

func pluginIDArg(s string) tlock.PluginID { return tlock.PluginID(s) }

func entityIDArg(s string) tlock.EntityID { return tlock.EntityID(s) }

func domainArg(s string) tlock.Domain { return tlock.Domain(s) }
