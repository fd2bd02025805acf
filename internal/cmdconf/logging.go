// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cmdconf bundles the configuration plumbing shared by the quicecho binaries.
package cmdconf

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// LogConf describes the Logging-configuration block.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// Apply configures the global logger. An unknown level or format is reported and skipped.
func (conf LogConf) Apply() {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	if formatter, err := conf.formatter(); err != nil {
		log.WithError(err).Warn("Unknown logging format")
	} else {
		log.SetFormatter(formatter)
	}
}

func (conf LogConf) formatter() (log.Formatter, error) {
	switch conf.Format {
	case "", "text":
		return &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		}, nil

	case "json":
		return &log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		}, nil

	default:
		return nil, fmt.Errorf("logging format %q is neither text nor json", conf.Format)
	}
}
