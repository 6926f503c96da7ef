// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/dbregion/regioncore/kv"
	"github.com/dbregion/regioncore/proto"
	"github.com/dbregion/regioncore/raftgroup"
	"github.com/dbregion/regioncore/raftstore"
	"github.com/dbregion/regioncore/region"
	"github.com/dbregion/regioncore/server"
	"github.com/dbregion/regioncore/util"
)

// Config is the on-disk config for one regioncore process. The process
// hosts a single raft group bootstrap region spanning the whole key
// space until the meta service (not yet reachable here) starts driving
// split/merge/add-peer directives against it, the way the teacher's own
// NodeRole_Single collapses every role into one in-process node for
// development.
type Config struct {
	NodeID        uint32    `json:"node_id"`
	NodeAddr      string    `json:"node_addr"`
	GrpcBindPort  uint32    `json:"grpc_bind_port"`
	HttpBindPort  uint32    `json:"http_bind_port"`
	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`

	RegionConfig region.Config     `json:"region_config"`
	MetaConfig   server.MetaConfig `json:"meta_config"`
}

func main() {
	config.Init("f", "", "regionserver.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	initDefaults(cfg)
	log.SetOutputLevel(cfg.LogLevel)

	if cfg.NodeAddr == "" {
		var err error
		cfg.NodeAddr, err = util.GetLocalIp()
		if err != nil {
			log.Fatalf("can't get local ip address, please set node_addr in the config")
		}
	}

	store := kv.NewMemStore()
	rawStg, err := raftstore.New(store)
	if err != nil {
		log.Fatal("new raft log storage failed:", err)
	}

	manager := raftgroup.NewManager(raftgroup.ManagerConfig{
		NodeID:     uint64(cfg.NodeID),
		RawStorage: rawStg,
	})

	meta := newNoopMetaClient()
	srv := server.NewServer(server.Config{
		NodeInfo: proto.NodeInfo{
			Role:     proto.NodeRoleRegionServer,
			Addr:     cfg.NodeAddr,
			GrpcPort: int(cfg.GrpcBindPort),
			HttpPort: int(cfg.HttpBindPort),
		},
		RegionConfig: cfg.RegionConfig,
		MetaConfig:   cfg.MetaConfig,
	}, meta)

	bootstrapRegion, err := newBootstrapRegion(cfg, store, rawStg, manager)
	if err != nil {
		log.Fatal("bootstrap region failed:", err)
	}
	srv.AddRegion(bootstrapRegion)

	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)

	grpcServer := server.NewRPCServer(srv)
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(int(cfg.GrpcBindPort)))
	if err != nil {
		log.Fatal("listen grpc port failed:", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("grpc server exits:", err)
		}
	}()
	log.Info("grpc server is running at:", cfg.GrpcBindPort)

	httpServer := server.NewHTTPServer(srv)
	httpServer.Serve(":" + strconv.Itoa(int(cfg.HttpBindPort)))

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	cancel()
	grpcServer.Stop()
	httpServer.Stop()
	srv.Close()
}

func initDefaults(cfg *Config) {
	if cfg.NodeID == 0 {
		cfg.NodeID = 1
	}
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.MetaConfig.HeartbeatIntervalS == 0 {
		cfg.MetaConfig.HeartbeatIntervalS = 5
	}
	if cfg.RegionConfig.WriteConcurrency == 0 {
		cfg.RegionConfig = region.DefaultConfig(proto.NodeID(cfg.NodeID))
	}
}

// newBootstrapRegion creates region 1 spanning the entire key space with
// this node as its sole voter, covering the single-node development
// path; a multi-node deployment instead learns its hosted regions from
// the meta service's directives once that wiring exists.
func newBootstrapRegion(cfg *Config, store kv.Store, rawStg *raftstore.Storage, manager *raftgroup.Manager) (*region.Region, error) {
	info := &proto.RegionInfo{
		ID:      1,
		TableID: 1,
		Peers:   []proto.Peer{{NodeID: proto.NodeID(cfg.NodeID)}},
		Indexes: []proto.IndexInfo{{IndexID: 1, Name: "PRIMARY", Type: proto.IndexTypePrimary, State: proto.IndexStatePublic}},
	}

	r := region.New(cfg.RegionConfig, store, info)
	if err := r.ReconcilePreparedTxns(); err != nil {
		return nil, err
	}

	g, err := manager.NewGroup(raftgroup.GroupConfig{
		ID:           uint64(info.ID),
		Members:      []raftgroup.Member{{NodeID: uint64(cfg.NodeID)}},
		Storage:      rawStg,
		StateMachine: r,
	})
	if err != nil {
		return nil, err
	}
	r.SetGroup(g)

	return r, nil
}
