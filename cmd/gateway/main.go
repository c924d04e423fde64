package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/itskum47/worldgate/internal/authn"
	"github.com/itskum47/worldgate/internal/cache"
	"github.com/itskum47/worldgate/internal/config"
	"github.com/itskum47/worldgate/internal/dispatch"
	"github.com/itskum47/worldgate/internal/durable"
	"github.com/itskum47/worldgate/internal/ephemeral"
	"github.com/itskum47/worldgate/internal/gwerrors"
	"github.com/itskum47/worldgate/internal/leader"
	"github.com/itskum47/worldgate/internal/lock"
	"github.com/itskum47/worldgate/internal/protocol"
	"github.com/itskum47/worldgate/internal/streams"
	"github.com/itskum47/worldgate/internal/worker"
	"github.com/itskum47/worldgate/internal/wsdebug"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func main() {
	cfg := config.Load()
	log.Printf("🚀 starting worldgate in environment %q", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ephemeralClient := redis.NewClient(&redis.Options{Addr: cfg.EphemeralURL})
	streamClient := redis.NewClient(&redis.Options{Addr: cfg.StreamURL})
	cacheClient := redis.NewClient(&redis.Options{Addr: cfg.CacheURL})

	if err := ephemeralClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to ephemeral redis at %s: %v", cfg.EphemeralURL, err)
	}
	log.Printf("✅ connected to ephemeral store at %s", cfg.EphemeralURL)

	pool, err := durable.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to durable store: %v", err)
	}
	log.Printf("✅ connected to durable store")
	defer pool.Close()

	hybridCache := cache.New(cfg.CacheCapacity, cfg.CacheTTL, cacheClient)

	ephemeralMgr, err := ephemeral.New(ephemeralClient, cfg.IsEphemeralOnly)
	if err != nil {
		log.Fatalf("failed to initialize ephemeral manager: %v", err)
	}
	streamMgr := streams.New(streamClient, cfg.StreamAffinityTTL)
	durableMgr := durable.New(pool, hybridCache, streamMgr)
	dispatcher := dispatch.New(ephemeralMgr, durableMgr, streamMgr, cfg)

	locker := lock.New(ephemeralClient)
	persistWorker := worker.New(ephemeralMgr, durableMgr, locker, cfg.WorkerInterval, cfg.WorkerBatch, cfg.LockTTL)
	go persistWorker.Start(ctx)
	log.Printf("✅ background persistence worker started (interval=%s batch=%d)", cfg.WorkerInterval, cfg.WorkerBatch)

	if cfg.LeaderElectionEnabled {
		elector := leader.New(ephemeralClient, cfg.NodeID, cfg.LeaderLeaseTTL, cfg.LeaderElectionInterval)
		persistWorker.SetLeaderGate(elector.IsLeader)
		go elector.Run(ctx)
		log.Printf("✅ leader election enabled, node=%s lease=%s", cfg.NodeID, cfg.LeaderLeaseTTL)
	}

	admitter, err := authn.New(cfg.SenderPublicKeyB64, cfg.RecipientPrivateKeyB64, ephemeralClient, cfg.SequenceTTL)
	if err != nil {
		log.Fatalf("failed to initialize admission gate: %v", err)
	}

	hub := wsdebug.NewHub()
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/batch", handleBatch(cfg.Environment, admitter, dispatcher, hub))
	mux.HandleFunc("/debug/stream", handleDebugStream(hub))

	server := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		log.Printf("✅ listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Printf("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
}

// handleBatch is the single front door: admit, decode, dispatch,
// reassemble, and tap each outcome to the debug hub.
func handleBatch(env string, admitter *authn.Admitter, dispatcher *dispatch.Dispatcher, hub *wsdebug.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		var envelope protocol.Envelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			http.Error(w, "malformed envelope", http.StatusBadRequest)
			return
		}

		_, gwErr := admitter.Admit(r.Context(), authn.Payload{
			WorldInstanceID: envelope.WorldInstanceID,
			AuthB64:         envelope.Auth,
			NonceB64:        envelope.Nonce,
			CiphertextB64:   envelope.Encrypted,
		})
		if gwErr != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": gwErr.Error()})
			return
		}

		cmds, refs := parseCommandSet(env, envelope.WorldInstanceID, envelope.Commands)
		results := make([]dispatch.Result, len(cmds))
		var dispatchable []int
		for i, verr := range refs.parseErrs {
			if verr != nil {
				results[i] = dispatch.Result{Index: i, OK: false, Err: verr}
				continue
			}
			dispatchable = append(dispatchable, i)
		}

		subset := make([]dispatch.Command, len(dispatchable))
		for j, idx := range dispatchable {
			subset[j] = cmds[idx]
		}
		out, err := dispatcher.Dispatch(r.Context(), subset)
		if err != nil {
			http.Error(w, "dispatch failed", http.StatusInternalServerError)
			return
		}
		for j, idx := range dispatchable {
			results[idx] = out[j]
			hub.Publish(wsdebug.Event{
				WorldInstanceID: envelope.WorldInstanceID,
				CommandType:     string(cmds[idx].Type),
				Index:           idx,
				OK:              results[idx].OK,
				Timestamp:       time.Now().UnixMilli(),
			})
		}

		writeJSON(w, http.StatusOK, buildResponse(refs, results))
	}
}

// commandRefs tracks, per command-set-position, which typed array a flat
// dispatch index came from plus any validation error that kept it from
// ever reaching the Dispatcher.
type commandRefs struct {
	kinds     []dispatch.Type
	positions []int // position within its own typed response array
	parseErrs []*gwerrors.GatewayError
}

// parseCommandSet flattens a CommandSet into dispatch.Commands in a fixed
// type order, recording each flat index's origin so buildResponse can
// re-assemble the type-keyed Response afterward.
func parseCommandSet(env, worldInstanceID string, cs protocol.CommandSet) ([]dispatch.Command, commandRefs) {
	var cmds []dispatch.Command
	var refs commandRefs

	add := func(kind dispatch.Type, pos int, cmd dispatch.Command, err *gwerrors.GatewayError) {
		cmds = append(cmds, cmd)
		refs.kinds = append(refs.kinds, kind)
		refs.positions = append(refs.positions, pos)
		refs.parseErrs = append(refs.parseErrs, err)
	}

	for i, c := range cs.Load {
		cmd, err := protocol.ParseLoadCommand(env, c)
		add(dispatch.Load, i, cmd, err)
	}
	for i, c := range cs.Save {
		cmd, err := protocol.ParseSaveCommand(env, c)
		add(dispatch.Save, i, cmd, err)
	}
	for i, c := range cs.Send {
		cmd, err := protocol.ParseSendCommand(env, c)
		add(dispatch.Send, i, cmd, err)
	}
	for i, c := range cs.Recv {
		cmd, err := protocol.ParseRecvCommand(env, worldInstanceID, c)
		add(dispatch.Recv, i, cmd, err)
	}
	for i, c := range cs.Search {
		cmd, err := protocol.ParseSearchCommand(env, c)
		add(dispatch.Search, i, cmd, err)
	}
	for i, c := range cs.Rank {
		cmd, err := protocol.ParseRankCommand(env, c)
		add(dispatch.Rank, i, cmd, err)
	}
	for i, c := range cs.Top {
		cmd, err := protocol.ParseTopCommand(env, c)
		add(dispatch.Top, i, cmd, err)
	}
	return cmds, refs
}

// buildResponse re-assembles the type-keyed wire Response from the flat,
// index-aligned dispatch results and the refs parseCommandSet recorded.
func buildResponse(refs commandRefs, results []dispatch.Result) protocol.Response {
	var resp protocol.Response
	grow := func(arr []any, pos int) []any {
		for len(arr) <= pos {
			arr = append(arr, nil)
		}
		return arr
	}
	for i, kind := range refs.kinds {
		pos := refs.positions[i]
		wire := protocol.ResultFor(results[i])
		switch kind {
		case dispatch.Load:
			resp.Load = grow(resp.Load, pos)
			resp.Load[pos] = wire
		case dispatch.Save:
			resp.Save = grow(resp.Save, pos)
			resp.Save[pos] = wire
		case dispatch.Send:
			resp.Send = grow(resp.Send, pos)
			resp.Send[pos] = wire
		case dispatch.Recv:
			resp.Recv = grow(resp.Recv, pos)
			resp.Recv[pos] = wire
		case dispatch.Search:
			resp.Search = grow(resp.Search, pos)
			resp.Search[pos] = wire
		case dispatch.Rank:
			resp.Rank = grow(resp.Rank, pos)
			resp.Rank[pos] = wire
		case dispatch.Top:
			resp.Top = grow(resp.Top, pos)
			resp.Top[pos] = wire
		}
	}
	return resp
}

// handleDebugStream upgrades to a read-only WebSocket tap on dispatch
// activity (spec §6 supplement).
func handleDebugStream(hub *wsdebug.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("debug stream upgrade failed: %v", err)
			return
		}
		hub.Register(conn)
		defer hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
