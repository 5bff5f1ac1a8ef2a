// Command kvnoded runs the replication core as a standalone process,
// wiring a single in-process core.Node directly rather than dialing a
// control socket: core.Node.SubmitSigned is the ingress contract being
// exercised here, not a GraphQL/RPC surface.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"meshkv/core"
	"meshkv/pkg/config"
)

var (
	cfgFile  string
	dataDir  string
	nodeName string
	region   string
)

func main() {
	root := &cobra.Command{
		Use:   "kvnoded",
		Short: "decentralized key/value replication node",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "kvnoded", "config file name (without extension)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the configured data directory")
	root.PersistentFlags().StringVar(&nodeName, "name", "node", "human-readable node name advertised over discovery")
	root.PersistentFlags().StringVar(&region, "region", "default", "region tag advertised over discovery")

	root.AddCommand(startCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(submitCmd())
	root.AddCommand(syncCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (core.Config, error) {
	cfg, err := config.Load(cfgFile, ".", "$HOME/.config/kvnoded", "/etc/kvnoded")
	if err != nil {
		return core.Config{}, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func caps() core.NodeCapabilities {
	return core.NodeCapabilities{MQTT: true, Streams: true, TimeSeries: true, Geo: true, Blobs: true}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "launch the replication node and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			n, err := core.NewNode(cfg, nodeName, region, caps())
			if err != nil {
				return fmt.Errorf("kvnoded: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("kvnoded: start: %w", err)
			}
			logrus.WithFields(logrus.Fields{
				"node_id": n.ID(),
				"name":    nodeName,
				"region":  region,
			}).Info("kvnoded started")

			<-ctx.Done()
			n.Stop()
			return nil
		},
	}
}

// statusCmd reports on the local op-log and peer registry of a freshly
// constructed (not-yet-started) node over the configured data directory,
// via a direct on-disk read since there is no control socket.
func statusCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "report op-log and peer counts for the configured data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			n, err := core.NewNode(cfg, nodeName, region, caps())
			if err != nil {
				return fmt.Errorf("kvnoded: %w", err)
			}
			defer n.Stop()

			out := map[string]any{
				"node_id":    n.ID(),
				"public_key": n.PublicKeyHex(),
				"op_count":   n.OpLog().Count(),
				"peers":      n.Registry().Summary(),
			}
			if format == "json" {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			for k, v := range out {
				fmt.Printf("%s: %v\n", k, v)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "output format: table|json")
	_ = viper.BindPFlag("output.format", cmd.Flags().Lookup("format"))
	return cmd
}

// submitCmd constructs, signs, and submits a single operation against a
// briefly-started node: a smoke-test client for the in-process ingress
// contract, not a network-facing RPC surface.
func submitCmd() *cobra.Command {
	var (
		db, key, value, field, storeType string
		settle                           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "sign and submit a single operation, then fan it out briefly",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			priv, err := core.LoadOrCreateIdentity(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("kvnoded submit: %w", err)
			}

			n, err := core.NewNode(cfg, nodeName, region, caps())
			if err != nil {
				return fmt.Errorf("kvnoded submit: %w", err)
			}
			defer n.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), settle+2*time.Second)
			defer cancel()
			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("kvnoded submit: start: %w", err)
			}

			op, err := signedOp(priv, db, key, value, field, storeType)
			if err != nil {
				return err
			}
			result, err := n.SubmitSigned(op)
			if err != nil {
				return fmt.Errorf("kvnoded submit: %w", err)
			}
			fmt.Printf("op_id=%s result=%v\n", op.OpID, result)

			select {
			case <-time.After(settle):
			case <-ctx.Done():
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "tenant database name (required)")
	cmd.Flags().StringVar(&key, "key", "", "key (required)")
	cmd.Flags().StringVar(&value, "value", "", "value payload")
	cmd.Flags().StringVar(&field, "field", "", "hash field, for store_type=hash")
	cmd.Flags().StringVar(&storeType, "store-type", string(core.StoreString), "store type")
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "time to remain running after submit, to let fan-out complete")
	_ = cmd.MarkFlagRequired("db")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

// syncCmd issues a one-shot reconciliation request against a named peer,
// driving the in-process SyncManager directly instead of an RPC control
// socket.
func syncCmd() *cobra.Command {
	var (
		peerID string
		since  int64
		settle time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "request a full or incremental sync from a peer",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			n, err := core.NewNode(cfg, nodeName, region, caps())
			if err != nil {
				return fmt.Errorf("kvnoded sync: %w", err)
			}
			defer n.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), settle+2*time.Second)
			defer cancel()
			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("kvnoded sync: start: %w", err)
			}

			var sincePtr *int64
			if since > 0 {
				sincePtr = &since
			}
			if err := n.RequestSync(core.NodeID(peerID), sincePtr); err != nil {
				return fmt.Errorf("kvnoded sync: %w", err)
			}
			fmt.Printf("sync requested from %s, op_count before settle=%d\n", peerID, n.OpLog().Count())

			select {
			case <-time.After(settle):
			case <-ctx.Done():
			}
			fmt.Printf("op_count after settle=%d\n", n.OpLog().Count())
			return nil
		},
	}
	cmd.Flags().StringVar(&peerID, "peer", "", "peer node id to sync from (required)")
	cmd.Flags().Int64Var(&since, "since", 0, "unix millis to sync since (0: full sync)")
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "time to wait for the response to arrive")
	_ = cmd.MarkFlagRequired("peer")
	return cmd
}

func signedOp(priv ed25519.PrivateKey, db, key, value, field, storeType string) (*core.SignedOperation, error) {
	pubHex := core.PublicKeyHex(priv)
	op := &core.SignedOperation{
		OpID:      core.NewOpID(),
		Timestamp: time.Now().UnixMilli(),
		DBName:    core.GenerateDBName(db, pubHex),
		Key:       key,
		Value:     value,
		StoreType: core.StoreType(storeType),
		PublicKey: pubHex,
	}
	if field != "" {
		op.Field = &field
	}
	op.Signature = core.SignEd25519(priv, op.SigningMessage())
	return op, nil
}
