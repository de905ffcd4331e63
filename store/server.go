// Package store is the request-serving surface of one Hill server.
/*
 * Copyright (c) 2022-2024, Hill Authors. All rights reserved.
 */
package store

import (
	"context"
	"encoding/binary"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Dicridon/hillstore/cmn/mono"
	"github.com/Dicridon/hillstore/config"
	"github.com/Dicridon/hillstore/engine"
	"github.com/Dicridon/hillstore/indexing"
	"github.com/Dicridon/hillstore/readcache"
	"github.com/Dicridon/hillstore/stats"
)

// Server handles client requests against this node's index. One worker
// slot is bound per client connection; the read cache fronts searches.
type Server struct {
	engine *engine.Engine
	index  *indexing.OLFIT
	statsR *stats.Runner

	cacheMtx sync.Mutex
	cache    *readcache.Cache

	rpcAddr     string
	metricsAddr string
	listener    net.Listener
	metricsSrv  *http.Server
	group       *errgroup.Group
}

// MakeServer builds the full node: engine (PM layout and recovery),
// index, read cache, metrics.
func MakeServer(cfg *config.Config, cacheCap int) (*Server, error) {
	e, err := engine.MakeEngine(cfg)
	if err != nil {
		return nil, err
	}
	idx, err := indexing.MakeOLFIT(e.Allocator(), e.Logger())
	if err != nil {
		return nil, err
	}
	idx.EnableAgent(e.Agent())

	s := &Server{
		engine: e,
		index:  idx,
		statsR: stats.NewRunner(cfg.NodeID),
		cache:  readcache.NewCache(cacheCap),
	}
	// clients derive the RPC address from the engine wire address, one
	// port up; rpc_uri may pin it explicitly
	s.rpcAddr = cfg.Addr + ":" + strconv.Itoa(cfg.Port+1)
	if cfg.RPCUri != "" {
		s.rpcAddr = cfg.RPCUri
	}
	if cfg.ErpcListenPort != 0 {
		s.metricsAddr = cfg.Addr + ":" + strconv.Itoa(cfg.ErpcListenPort)
	}
	return s, nil
}

// Index is exposed for the in-process deployment and the tests.
func (s *Server) Index() *indexing.OLFIT { return s.index }

// Engine is exposed for the in-process deployment and the tests.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Launch starts the engine, the RPC listener, and the metrics endpoint.
func (s *Server) Launch() error {
	if err := s.engine.Launch(); err != nil {
		return err
	}
	l, err := net.Listen("tcp", s.rpcAddr)
	if err != nil {
		return errors.Wrapf(err, "rpc listen %s", s.rpcAddr)
	}
	s.listener = l
	s.group, _ = errgroup.WithContext(context.Background())
	s.group.Go(s.acceptLoop)

	if s.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.statsR.Handler())
		mux.HandleFunc("/cluster", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write(s.engine.Node.Dump())
		})
		s.metricsSrv = &http.Server{Addr: s.metricsAddr, Handler: mux}
		s.group.Go(func() error {
			if err := s.metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}
	log.Infof("store server up, rpc %s", s.rpcAddr)
	return nil
}

func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}
	s.engine.Stop()
	if s.group != nil {
		s.group.Wait()
	}
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return nil // closed on Stop
		}
		go s.serveConn(conn)
	}
}

// serveConn binds a worker slot for the connection's lifetime and
// dispatches requests; NoSlot simply drops the connection.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	tid, err := s.engine.RegisterWorker()
	if err != nil {
		log.Warnf("rejecting connection: %v", err)
		return
	}
	defer func() {
		s.engine.Logger().Checkpoint(tid)
		s.statsR.Checkpoints.Inc()
		s.engine.UnregisterWorker(tid)
	}()

	for {
		msg, err := recvMsg(conn)
		if err != nil {
			return
		}
		resp := s.handle(tid, msg)
		if err := sendMsg(conn, resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(tid int, msg []byte) []byte {
	op, key, value, err := ParseRequest(msg)
	if err != nil {
		log.Warnf("bad request: %v", err)
		return []byte{byte(StatusFailed)}
	}
	began := mono.NanoTime()
	defer func() {
		s.statsR.OpLatency.WithLabelValues(opName(op)).
			Observe(float64(mono.Since(began)) / float64(time.Second))
	}()

	switch op {
	case OpInsert:
		return s.handleInsert(tid, key, value)
	case OpSearch:
		return s.handleSearch(key)
	case OpUpdate:
		return s.handleUpdate(tid, key, value)
	case OpRange:
		return s.handleRange(key, value)
	case OpCallForMemory:
		return s.handleCallForMemory()
	default:
		return []byte{byte(StatusFailed)}
	}
}

func opName(op RPCOp) string {
	switch op {
	case OpInsert:
		return "insert"
	case OpSearch:
		return "search"
	case OpUpdate:
		return "update"
	case OpRange:
		return "range"
	case OpCallForMemory:
		return "call-for-memory"
	default:
		return "unknown"
	}
}

func (s *Server) handleInsert(tid int, key, value []byte) []byte {
	st, _ := s.index.Insert(tid, key, value)
	s.statsR.Ops.WithLabelValues("insert", st.String()).Inc()
	if st == indexing.NoMemory {
		s.statsR.NoMemory.Inc()
	}
	return []byte{byte(rpcStatus(st))}
}

func (s *Server) handleUpdate(tid int, key, value []byte) []byte {
	st, _ := s.index.Update(tid, key, value)
	s.statsR.Ops.WithLabelValues("update", st.String()).Inc()
	if st == indexing.NoMemory {
		s.statsR.NoMemory.Inc()
	}
	return []byte{byte(rpcStatus(st))}
}

// handleSearch consults the read cache first; a miss traverses the index
// and populates the cache. The response carries the durable handle; the
// client dereferences it over its one-sided channel.
func (s *Server) handleSearch(key []byte) []byte {
	var (
		skey = string(key)
		resp = make([]byte, 1+8+8)
	)
	s.cacheMtx.Lock()
	if item := s.cache.Get(skey); item != nil {
		s.cacheMtx.Unlock()
		s.statsR.CacheHit.Inc()
		resp[0] = byte(StatusOk)
		binary.LittleEndian.PutUint64(resp[1:], item.ValueSize)
		binary.LittleEndian.PutUint64(resp[9:], item.ValuePtr.Raw())
		return resp
	}
	s.cacheMtx.Unlock()
	s.statsR.CacheMiss.Inc()

	ptr, size := s.index.Search(key)
	s.statsR.Ops.WithLabelValues("search", indexing.Ok.String()).Inc()
	resp[0] = byte(StatusOk)
	binary.LittleEndian.PutUint64(resp[1:], size)
	binary.LittleEndian.PutUint64(resp[9:], ptr.Raw())
	if !ptr.IsNull() {
		s.cacheMtx.Lock()
		s.cache.Insert(skey, ptr, size)
		s.cacheMtx.Unlock()
	}
	return resp
}

func (s *Server) handleRange(start, end []byte) []byte {
	ptrs, sizes := s.index.ScanRange(start, end)
	s.statsR.Ops.WithLabelValues("range", indexing.Ok.String()).Inc()
	resp := make([]byte, 1+8+16*len(ptrs))
	resp[0] = byte(StatusOk)
	binary.LittleEndian.PutUint64(resp[1:], uint64(len(ptrs)))
	off := 9
	for i := range ptrs {
		binary.LittleEndian.PutUint64(resp[off:], ptrs[i].Raw())
		binary.LittleEndian.PutUint64(resp[off+8:], sizes[i])
		off += 16
	}
	return resp
}

// handleCallForMemory grants a peer a slice of this node's PM to place
// values in.
func (s *Server) handleCallForMemory() []byte {
	base, size := s.engine.GrantRegion()
	resp := make([]byte, 1+8+8)
	if size == 0 {
		resp[0] = byte(StatusNoMemory)
		s.statsR.NoMemory.Inc()
		return resp
	}
	resp[0] = byte(StatusOk)
	binary.LittleEndian.PutUint64(resp[1:], base)
	binary.LittleEndian.PutUint64(resp[9:], size)
	return resp
}

func rpcStatus(st indexing.OpStatus) RPCStatus {
	switch st {
	case indexing.Ok:
		return StatusOk
	case indexing.NoMemory:
		return StatusNoMemory
	default:
		return StatusFailed
	}
}
