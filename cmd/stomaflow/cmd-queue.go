package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/stomaflow/bridge/internal/queue"
)

type cmdQueueList struct{}

func (cmd *cmdQueueList) Execute([]string) error {
	store, err := queue.Open(Config.Queue)
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.List()
	if err != nil {
		return err
	}
	printItems(items, "NEXT ATTEMPT")
	return nil
}

type cmdQueueReset struct {
	Args struct {
		ExternalID string `positional-arg-name:"external-id" required:"true"`
	} `positional-args:"true"`
}

func (cmd *cmdQueueReset) Execute([]string) error {
	store, err := queue.Open(Config.Queue)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Reset(cmd.Args.ExternalID, time.Now()); err != nil {
		return err
	}
	fmt.Printf("%s is due on the next cycle\n", cmd.Args.ExternalID)
	return nil
}

type cmdQueueDead struct{}

func (cmd *cmdQueueDead) Execute([]string) error {
	store, err := queue.Open(Config.Queue)
	if err != nil {
		return err
	}
	defer store.Close()

	items, err := store.DeadLetters()
	if err != nil {
		return err
	}
	printItems(items, "DEAD SINCE")
	return nil
}

func printItems(items []queue.Item, timeHeader string) {
	var w = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintf(w, "EXTERNAL ID\tATTEMPTS\t%s\tLAST ERROR\n", timeHeader)
	for _, it := range items {
		var lastError = it.LastError
		if len(lastError) > 80 {
			lastError = lastError[:80] + "..."
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			it.ExternalID, it.AttemptCount,
			it.NextAttempt.Format(time.RFC3339), lastError)
	}
	w.Flush()
	if len(items) == 0 {
		fmt.Println("(empty)")
	}
}
