package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dshills/stagegraph/graph/store"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the configured cache store",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List cached keys",
			Args:  cobra.NoArgs,
			RunE:  cacheList,
		},
		&cobra.Command{
			Use:   "show KEY",
			Short: "Print one cache entry as JSON",
			Args:  cobra.ExactArgs(1),
			RunE:  cacheShow,
		},
	)
	return cmd
}

func openConfiguredStore(cmd *cobra.Command) (store.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ExitError{Code: ExitUsage, Err: err}
	}
	st, err := cfg.OpenStore(cmd.Context())
	if err != nil {
		return nil, &ExitError{Code: ExitAborted, Err: err}
	}
	return st, nil
}

func cacheList(cmd *cobra.Command, _ []string) error {
	st, err := openConfiguredStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	var keys []string
	switch s := st.(type) {
	case interface{ Keys() ([]string, error) }:
		if keys, err = s.Keys(); err != nil {
			return &ExitError{Code: ExitAborted, Err: err}
		}
	case interface{ Keys() []string }:
		keys = s.Keys()
	default:
		return usageError("cache backend %T cannot list keys", st)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}

func cacheShow(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := store.ValidateKey(key); err != nil {
		return usageError("%v", err)
	}
	st, err := openConfiguredStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	entry, err := st.Get(cmd.Context(), key)
	if errors.Is(err, store.ErrNotFound) {
		return &ExitError{Code: ExitStagesFailed, Err: fmt.Errorf("no entry for key %s", key)}
	}
	if err != nil {
		return &ExitError{Code: ExitAborted, Err: err}
	}
	out, err := json.MarshalIndent(struct {
		Key string `json:"key"`
		store.Entry
	}{key, entry}, "", "  ")
	if err != nil {
		return &ExitError{Code: ExitAborted, Err: err}
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
