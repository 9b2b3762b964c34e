// Command raftdemo embeds the raft package behind a small replicated
// counter, grounded on syncobj_ut.py's TestObj/addValue harness: every
// node runs the same state machine, and a client command replicates the
// same way regardless of which node receives it.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ywng/raft"
)

const methodAdd uint32 = 0

type wireCommand struct {
	MethodID uint32
	Args     []byte
}

// gobCommandMarshaler is the demo's statemachine.Marshaler: it treats a
// command as a method ID plus opaque argument bytes, gob-encoded for the
// same reason the journal's dump file is (see the journal package).
type gobCommandMarshaler struct{}

func (gobCommandMarshaler) Encode(methodID uint32, args []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireCommand{MethodID: methodID, Args: args}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCommandMarshaler) Decode(payload []byte) (uint32, []byte, error) {
	var wc wireCommand
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&wc); err != nil {
		return 0, nil, err
	}
	return wc.MethodID, wc.Args, nil
}

// counterMachine is the embedder's statemachine.StateMachine: a single
// replicated int64, nudged by methodAdd commands.
type counterMachine struct {
	marshal gobCommandMarshaler
	value   int64
}

func (m *counterMachine) Apply(payload []byte) ([]byte, error) {
	methodID, args, err := m.marshal.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}
	switch methodID {
	case methodAdd:
		if len(args) != 8 {
			return nil, fmt.Errorf("add: want 8 arg bytes, got %d", len(args))
		}
		m.value += int64(binary.LittleEndian.Uint64(args))
	default:
		return nil, fmt.Errorf("unknown method %d", methodID)
	}
	return encodeInt64(m.value), nil
}

func (m *counterMachine) Snapshot() ([]byte, error) {
	return encodeInt64(m.value), nil
}

func (m *counterMachine) Restore(state []byte) error {
	v, err := decodeInt64(state)
	if err != nil {
		return err
	}
	m.value = v
	return nil
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

func decodeInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("want 8 state bytes, got %d", len(b))
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func main() {
	var (
		self       string
		peers      string
		configPath string
		dumpFile   string
		addEvery   time.Duration
	)

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run one raftdemo node and periodically submit an increment",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			cfg := raft.DefaultConfig()
			if configPath != "" {
				cfg, err = raft.LoadConfigFile(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			if dumpFile != "" {
				cfg.FullDumpFile = dumpFile
			}

			var peerAddrs []raft.NodeAddress
			for _, p := range strings.Split(peers, ",") {
				p = strings.TrimSpace(p)
				if p != "" {
					peerAddrs = append(peerAddrs, raft.NodeAddress(p))
				}
			}

			sm := &counterMachine{}
			node, err := raft.New(log, raft.NodeAddress(self), peerAddrs, cfg, sm, gobCommandMarshaler{})
			if err != nil {
				return fmt.Errorf("start node: %w", err)
			}
			defer node.Destroy()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

			ticker := time.NewTicker(addEvery)
			defer ticker.Stop()

			for {
				select {
				case <-sig:
					log.Info("shutting down")
					return nil
				case <-ticker.C:
					if node.Role() != raft.Leader {
						continue
					}
					payload, err := node.EncodeCommand(methodAdd, encodeInt64(1))
					if err != nil {
						log.Warn("encode command failed", zap.Error(err))
						continue
					}
					node.Submit(payload, func(result []byte, reason raft.FailReason) {
						if reason != raft.Success {
							log.Warn("submit failed", zap.Stringer("reason", reason))
							return
						}
						v, _ := decodeInt64(result)
						log.Info("applied", zap.Int64("counter", v))
					})
				}
			}
		},
	}
	serve.Flags().StringVar(&self, "self", "127.0.0.1:7000", "this node's address")
	serve.Flags().StringVar(&peers, "peers", "", "comma-separated peer addresses")
	serve.Flags().StringVar(&configPath, "config", "", "optional YAML config file")
	serve.Flags().StringVar(&dumpFile, "dump-file", "", "path to the durable dump file")
	serve.Flags().DurationVar(&addEvery, "add-every", 2*time.Second, "how often the leader submits an increment")

	root := &cobra.Command{Use: "raftdemo", Short: "demo embedder for the raft library"}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
