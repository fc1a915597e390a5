// Command gojodb_replicator runs one node of a synchronous,
// certification-based replication group: it wires raftgcs, the ordering
// pipeline, the dispatcher, the service thread, and the node FSM into a
// runnable process, the way cmd/gojodb_server wires its storage engine
// and raft participation together.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb/config"
	internaltelemetry "github.com/sushant-115/gojodb/internal/telemetry"
	"github.com/sushant-115/gojodb/pkg/logger"
	"github.com/sushant-115/gojodb/pkg/telemetry"

	"github.com/sushant-115/gojodb/core/replication/certification"
	"github.com/sushant-115/gojodb/core/replication/dispatcher"
	"github.com/sushant-115/gojodb/core/replication/nodefsm"
	"github.com/sushant-115/gojodb/core/replication/pipeline"
	"github.com/sushant-115/gojodb/core/replication/raftgcs"
	"github.com/sushant-115/gojodb/core/replication/servicethread"
	"github.com/sushant-115/gojodb/core/replication/statefile"
	"github.com/sushant-115/gojodb/core/replication/statetransfer"
	"github.com/sushant-115/gojodb/core/replication/txn"
	"github.com/sushant-115/gojodb/core/replication/writeset"
)

var configPath = flag.String("config", "replication.yaml", "path to the replication node's YAML config file")

// demoStore is a toy key/value store standing in for the storage engine
// the pipeline's Apply/Commit callbacks would otherwise drive. Its only
// job is to make certified, totally-ordered writes externally
// observable through /get so the replication machinery has something
// concrete to demonstrate end to end.
type demoStore struct {
	mu   sync.RWMutex
	data map[string]string
}

func newDemoStore() *demoStore { return &demoStore{data: make(map[string]string)} }

func (s *demoStore) applyWriteSet(ws *writeset.WriteSet) {
	if len(ws.Data) == 0 {
		return
	}
	var rows map[string]string
	if err := json.Unmarshal(ws.Data, &rows); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range rows {
		s.data[k] = v
	}
}

func (s *demoStore) get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func main() {
	flag.Parse()

	cfg, err := config.LoadReplicationConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load replication config: %v\n", err)
		os.Exit(1)
	}

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer zlogger.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("failed to initialize telemetry", zap.Error(err))
	}

	commitMode, err := pipeline.ParseCommitMode(cfg.CommitMode)
	if err != nil {
		zlogger.Fatal("invalid commit_mode in config", zap.Error(err))
	}

	if err := statefile.EnsureDir(cfg.StateFilePath); err != nil {
		zlogger.Fatal("failed to create state file directory", zap.Error(err))
	}
	nodeIdentity := uuid.NewSHA1(uuid.Nil, []byte(cfg.NodeID))
	recoveredSeqno := statefile.InvalidSeqno
	if _, seqno, err := statefile.Read(cfg.StateFilePath); err == nil {
		recoveredSeqno = seqno
		zlogger.Info("recovered persisted replication position", zap.Int64("seqno", seqno))
	} else {
		zlogger.Info("no prior state file found, starting from a clean position", zap.String("path", cfg.StateFilePath))
	}
	initialSeqno := int64(0)
	if recoveredSeqno != statefile.InvalidSeqno {
		initialSeqno = recoveredSeqno
	}

	store := newDemoStore()
	cert := certification.New()

	fsm := nodefsm.New(func(from, to nodefsm.State, viewInfo any) {
		zlogger.Info("node state transition", zap.String("from", from.String()), zap.String("to", to.String()))
	})

	raftNode, err := raftgcs.New(raftgcs.Config{
		NodeID:    cfg.NodeID,
		BindAddr:  cfg.BindAddr,
		DataDir:   cfg.DataDir,
		Bootstrap: cfg.Bootstrap,
		Logger:    zlogger,
	})
	if err != nil {
		zlogger.Fatal("failed to start raft group channel", zap.Error(err))
	}

	var svc *servicethread.ServiceThread
	pipe := pipeline.New(initialSeqno, commitMode, cert, pipeline.Callbacks{
		Apply: func(ctx context.Context, h *txn.Handle) error {
			store.applyWriteSet(h.WS)
			return nil
		},
		Commit: func(ctx context.Context, h *txn.Handle) error {
			if h.IsLocal {
				store.applyWriteSet(h.WS)
			}
			return nil
		},
		Rollback: func(ctx context.Context, h *txn.Handle) error {
			zlogger.Warn("rolling back transaction", zap.Int64("global_seqno", h.GlobalSeqno))
			return nil
		},
		CertFail: func(h *txn.Handle) {
			zlogger.Info("transaction failed certification", zap.Int64("global_seqno", h.GlobalSeqno))
		},
		BFAbort: func(h *txn.Handle) {
			zlogger.Info("transaction brute-force aborted", zap.Int64("trx_id", h.TrxID))
		},
		Notify: func(h *txn.Handle) {
			if svc != nil {
				svc.Notify()
			}
		},
	}, zlogger)

	rm, err := internaltelemetry.NewReplicationMetrics(tel.Meter, pipe)
	if err != nil {
		zlogger.Fatal("failed to register replication metrics", zap.Error(err))
	}
	pipe.SetMetrics(rm)

	hooks := dispatcher.Hooks{
		OnStateRequest: func(ctx context.Context, a pipeline.Action) {
			zlogger.Info("state transfer requested", zap.Any("view_info", a.ViewInfo))
		},
		OnIST: func(joinerID string, rng statetransfer.Range) {
			zlogger.Info("serving incremental state transfer",
				zap.String("joiner", joinerID), zap.Int64("from", rng.From), zap.Int64("to", rng.To))
		},
		SSTDonate: func(ctx context.Context, joinerID string) {
			zlogger.Info("donating full state snapshot", zap.String("joiner", joinerID))
		},
		OnJoin: func() {
			zlogger.Info("peer joined the replication group")
		},
		OnSync: func() {
			zlogger.Info("peer reached synced state")
		},
	}
	disp := dispatcher.New(raftNode, pipe, fsm, cert, hooks, zlogger, cfg.DispatcherWorkers)

	svc = servicethread.New(cfg.ReportInterval, pipe.Apply, raftNode, zlogger)

	ctx, cancel := context.WithCancel(context.Background())
	var runWG sync.WaitGroup
	runWG.Add(1)
	go func() {
		defer runWG.Done()
		if err := disp.Run(ctx); err != nil && ctx.Err() == nil {
			zlogger.Error("dispatcher stopped unexpectedly", zap.Error(err))
		}
	}()
	svc.Start(ctx)

	if err := fsm.Transition(nodefsm.Connected, nil); err != nil {
		zlogger.Warn("failed to transition to connected", zap.Error(err))
	}
	if err := fsm.Transition(nodefsm.Joining, nil); err != nil {
		zlogger.Warn("failed to transition to joining", zap.Error(err))
	}
	if err := fsm.Transition(nodefsm.Joined, nil); err != nil {
		zlogger.Warn("failed to transition to joined", zap.Error(err))
	}
	if err := fsm.Transition(nodefsm.Synced, nil); err != nil {
		zlogger.Warn("failed to transition to synced", zap.Error(err))
	}

	mux := http.NewServeMux()
	registerHandlers(mux, zlogger, store, pipe, raftNode, disp)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlogger.Error("http server stopped unexpectedly", zap.Error(err))
		}
	}()
	zlogger.Info("replicator node ready",
		zap.String("node_id", cfg.NodeID),
		zap.String("raft_addr", cfg.BindAddr),
		zap.String("http_addr", httpServer.Addr),
		zap.String("commit_mode", commitMode.String()),
	)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	zlogger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	svc.Stop()
	runWG.Wait()

	if err := statefile.Write(cfg.StateFilePath, nodeIdentity, pipe.Commit.LastLeft()); err != nil {
		zlogger.Error("failed to persist final replication position", zap.Error(err))
	}
	if err := raftNode.Shutdown(); err != nil {
		zlogger.Error("failed to shut down raft node", zap.Error(err))
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		zlogger.Error("failed to shut down telemetry", zap.Error(err))
	}
}

func registerHandlers(mux *http.ServeMux, log *zap.Logger, store *demoStore, pipe *pipeline.Pipeline, node *raftgcs.Node, disp *dispatcher.Dispatcher) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pipe.Stats())
	})

	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		v, ok := store.get(key)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(v))
	})

	mux.HandleFunc("/replicate", func(w http.ResponseWriter, r *http.Request) {
		var rows map[string]string
		if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ws := writeset.New(uuid.New(), 0, 0)
		payload, err := json.Marshal(rows)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		ws.AppendData(payload)
		for k := range rows {
			ws.AppendRowKey([]byte("demo"), []byte(k), 'w')
		}

		h := txn.NewLocal(ws.SourceID, ws.ConnID, ws.TrxID, ws)
		if err := pipe.Replicate(r.Context(), h, node); err != nil {
			log.Warn("replication failed", zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		disp.RegisterLocal(h)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"global_seqno": h.GlobalSeqno})
	})

	mux.HandleFunc("/raft/state-request", func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.URL.Query().Get("node_id")
		if nodeID == "" {
			http.Error(w, "node_id is required", http.StatusBadRequest)
			return
		}
		lastSeqno := r.URL.Query().Get("last_seqno")
		if lastSeqno == "" {
			lastSeqno = "-1"
		}
		if _, err := node.SubmitStateRequest(fmt.Sprintf("%s@%s", nodeID, lastSeqno)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/raft/join", func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.URL.Query().Get("node_id")
		addr := r.URL.Query().Get("addr")
		if nodeID == "" || addr == "" {
			http.Error(w, "node_id and addr are required", http.StatusBadRequest)
			return
		}
		if err := node.AddVoter(nodeID, addr); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}
