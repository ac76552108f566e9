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

# JournalDB: journals that overflow into index segments

## Why?

1, writes land in a bounded append-only journal, so a write never waits for a compaction

2, reads stay cheap: every index partition sees a short, bounded list of sources

3, partitions split, join and move on their own as data and load change

## Architecture

* Journal, an append-only store of named ordered structures (rocksdb or memory)

* Segment, an immutable sorted file built from journal structures

* View, the ordered sources of one index partition, newest first

* Resource directory, every journal and segment keyed by (createTime, uuid)

* Overflow manager, owning the live journal and all views

When the live journal nears its extent the manager rolls it over under the
write lock: a new journal is created, small indices are copied forward, and
the others are redefined so their views read through the old journal. A
single maintenance cycle then runs in the background and, per partition,
merges, splits, joins, moves or builds until the views are short again. No
rollover starts while a cycle runs.

### Storage

one rocksdb instance per journal, a bbolt file for the resource directory,
mmap'ed segment files with a bloom filter

### Admin

stats, overflow requests and prometheus metrics over HTTP

## Building Blocks

* Rocksdb
* bbolt
* Prometheus

*/

package journaldb
