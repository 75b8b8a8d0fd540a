package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/config"
	"github.com/glimte/mmate-rpc/messaging"
	kafkaTransport "github.com/glimte/mmate-rpc/transports/kafka"
	"github.com/glimte/mmate-rpc/transports/memory"
	rabbitmqTransport "github.com/glimte/mmate-rpc/transports/rabbitmq"
)

func newTopicsCmd(flags *globalFlags) *cobra.Command {
	topicsCmd := &cobra.Command{
		Use:   "topics",
		Short: "Provision the request, push and slotted reply topics",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create the topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, flush, err := setup(flags)
			if err != nil {
				return err
			}
			defer flush()

			transport, err := mmate.NewTransport(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			if err := mmate.ProvisionTopics(cmd.Context(), transport, cfg); err != nil {
				return err
			}
			fmt.Printf("created %s and %s (%d partitions)\n", cfg.Topics.Request, cfg.Topics.Push, cfg.Topics.Partitions)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, flush, err := setup(flags)
			if err != nil {
				return err
			}
			defer flush()

			transport, err := mmate.NewTransport(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			if err := mmate.DeleteTopics(cmd.Context(), transport, cfg); err != nil {
				return err
			}
			fmt.Printf("deleted %s and %s\n", cfg.Topics.Request, cfg.Topics.Push)
			return nil
		},
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show partitions per topic, or queue depth per group on RabbitMQ",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, flush, err := setup(flags)
			if err != nil {
				return err
			}
			defer flush()

			transport, err := mmate.NewTransport(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer transport.Close()

			rows, err := inspect(cmd.Context(), transport, cfg)
			if err != nil {
				return err
			}
			printTopics(rows)
			return nil
		},
	}

	topicsCmd.AddCommand(createCmd, deleteCmd, inspectCmd)
	return topicsCmd
}

type topicRow struct {
	Topic      string
	Group      string
	Partitions int
	Messages   int
	Consumers  int
}

func inspect(ctx context.Context, transport messaging.Transport, cfg config.Config) ([]topicRow, error) {
	groups := []struct{ topic, group string }{
		{cfg.Topics.Request, cfg.Groups.Request},
		{cfg.Topics.Push, cfg.Groups.Push},
	}

	rows := make([]topicRow, 0, len(groups))
	for _, g := range groups {
		row := topicRow{Topic: g.topic, Group: g.group, Partitions: -1, Messages: -1, Consumers: -1}

		switch t := transport.(type) {
		case *rabbitmqTransport.Transport:
			messages, consumers, err := t.QueueStats(ctx, g.topic, g.group)
			if err != nil {
				return nil, fmt.Errorf("failed to inspect %s: %w", rabbitmqTransport.QueueName(g.topic, g.group), err)
			}
			row.Partitions, row.Messages, row.Consumers = 1, messages, consumers
		case *kafkaTransport.Transport:
			n, err := t.Partitions(ctx, g.topic)
			if err != nil {
				return nil, fmt.Errorf("failed to inspect %s: %w", g.topic, err)
			}
			row.Partitions = n
		case *memory.Transport:
			row.Partitions = t.Partitions(g.topic)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func printTopics(rows []topicRow) {
	fmt.Printf("%-30s %-25s %-10s %-10s %-10s\n", "Topic", "Group", "Partitions", "Messages", "Consumers")
	fmt.Println(strings.Repeat("-", 89))

	for _, r := range rows {
		fmt.Printf("%-30s %-25s %-10s %-10s %-10s\n", r.Topic, r.Group, count(r.Partitions), count(r.Messages), count(r.Consumers))
	}
}

func count(n int) string {
	if n < 0 {
		return "-"
	}
	return fmt.Sprint(n)
}
