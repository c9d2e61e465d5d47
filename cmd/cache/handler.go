package cache

import (
	"encoding/json"
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/projecteru2/credcache/cmd/core"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Find(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	query, err := cmdcore.ParseFields(args[1:])
	if err != nil {
		return err
	}
	c, err := cmdcore.InitCache(ctx, conf)
	if err != nil {
		return err
	}
	entries, err := c.Find(ctx, args[0], query)
	if err != nil {
		return fmt.Errorf("find %s: %w", args[0], err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

func (h Handler) Add(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	fields, err := cmdcore.ParseFields(args[1:])
	if err != nil {
		return err
	}
	c, err := cmdcore.InitCache(ctx, conf)
	if err != nil {
		return err
	}
	if err := c.Modify(ctx, args[0], nil, fields); err != nil {
		return fmt.Errorf("add %s: %w", args[0], err)
	}
	log.WithFunc("cmd.add").Infof(ctx, "added %s entry to %s", args[0], c.Persistence().Location())
	return nil
}

func (h Handler) Update(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	matchArgs, _ := cmd.Flags().GetStringSlice("match")
	query, err := cmdcore.ParseFields(matchArgs)
	if err != nil {
		return err
	}
	fields, err := cmdcore.ParseFields(args[1:])
	if err != nil {
		return err
	}
	c, err := cmdcore.InitCache(ctx, conf)
	if err != nil {
		return err
	}
	entries, err := c.Find(ctx, args[0], query)
	if err != nil {
		return fmt.Errorf("find %s: %w", args[0], err)
	}
	for _, e := range entries {
		if err := c.Modify(ctx, args[0], e, fields); err != nil {
			return fmt.Errorf("update %s: %w", args[0], err)
		}
	}
	log.WithFunc("cmd.update").Infof(ctx, "updated %d %s entries", len(entries), args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "Updated %d entries\n", len(entries))
	return nil
}

func (h Handler) Remove(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	query, err := cmdcore.ParseFields(args[1:])
	if err != nil {
		return err
	}
	c, err := cmdcore.InitCache(ctx, conf)
	if err != nil {
		return err
	}
	entries, err := c.Find(ctx, args[0], query)
	if err != nil {
		return fmt.Errorf("find %s: %w", args[0], err)
	}
	for _, e := range entries {
		if err := c.Modify(ctx, args[0], e, nil); err != nil {
			return fmt.Errorf("remove %s: %w", args[0], err)
		}
	}
	log.WithFunc("cmd.remove").Infof(ctx, "removed %d %s entries", len(entries), args[0])
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries\n", len(entries))
	return nil
}
