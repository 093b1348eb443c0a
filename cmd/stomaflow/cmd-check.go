package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/stomaflow/bridge/internal/crm"
	"github.com/stomaflow/bridge/internal/model"
	"github.com/stomaflow/bridge/internal/source"
)

type cmdCheck struct {
	Timeout time.Duration `long:"timeout" default:"15s" description:"Overall probe timeout"`
}

func (cmd *cmdCheck) Execute([]string) error {
	if err := Config.Validate(); err != nil {
		return model.E(model.KindConfigInvalid, "check", err)
	}
	if _, err := initLog(Config.Logging); err != nil {
		return model.E(model.KindConfigInvalid, "check", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
	defer cancel()

	var failed bool

	reader, err := source.Open(Config.Source, Config.Sync.FilialID)
	if err == nil {
		defer reader.Close()
		err = reader.Ping(ctx)
	}
	if err != nil {
		fmt.Printf("source:  FAIL  %v\n", err)
		failed = true
	} else {
		fmt.Println("source:  ok")
		var since = time.Now().AddDate(0, 0, -Config.Sync.InitialSyncDays)
		if stats, serr := reader.ReadStats(ctx, since); serr == nil {
			fmt.Printf("         %d appointments, %d changed in the last %d days\n",
				stats.Appointments, stats.ChangedSince, Config.Sync.InitialSyncDays)
		}
	}

	client, err := crm.NewClient(Config.CRM, nil)
	if err == nil {
		err = client.Ping(ctx)
	}
	if err != nil {
		fmt.Printf("crm:     FAIL  %v\n", err)
		failed = true
	} else {
		fmt.Println("crm:     ok")
	}

	if failed {
		os.Exit(1)
	}
	return nil
}
