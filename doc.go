/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# regioncore: the region-level core of a sharded, SQL-capable store

## What a region is

A region is one consensus-replicated shard of a table or a secondary
index: a contiguous key range, a raft group, and an ordered KV range
under that group's control. A table starts as one region and splits as
it grows; a table's secondary indexes live in their own regions,
indexed by the same key space.

## Architecture

Every node in a cluster runs a regionserver process hosting some number
of regions. Each region is:

* a raft group (raftgroup), multiplexed onto a per-node raft driver
  (raftgroup.Manager) the way a real multi-raft deployment shares one
  tick loop and one transport across every range/shard a node hosts

* a state machine (region.Region) applying a small, versioned op
  vocabulary (proto.OpType) against an abstract ordered KV engine (kv)

* a 2PC transaction pool (txn) for cross-region writes

* a three-level inverted index engine (invindex) for full-text and
  tag search over the region's rows

* a scan planner (scan) choosing between the primary and secondary
  indexes for a read

Regions evolve in place via leader-driven coordinators that are
themselves just clients of the consensus op vocabulary:

* split (split) carves a region in two at a split key

* merge (merge) folds an adjacent region's rows back into its neighbor

* online DDL (ddl) adds or drops a secondary index under a
  DELETE_ONLY/WRITE_ONLY/WRITE_LOCAL/PUBLIC state progression so
  concurrent traffic never observes a half-built index

A node's region RPC surface (server) is reachable over gRPC; a
heartbeat transport reports every hosted region's descriptor upward to
a meta service that owns cluster-wide routing.

## Storage

Regions and their secondary indexes share a single column-family
capable ordered KV engine (kv), isolated from each other purely by key
prefix. Raft logs, hard state and membership for every group a node
hosts live in the same engine under their own column family
(raftstore), rather than a second storage system.

## Building Blocks

* etcd raft
* gRPC
* Prometheus

*/

package regioncore
