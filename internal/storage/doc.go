/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package storage is the embedded store: one SQLite file, opened once per
// process, holding records and tasks.
//
// The file lives at a caller-supplied path (DB_PATH). Open creates parent
// directories, switches the database to WAL and applies the embedded
// migrations. All reads go through View and all writes through Update; Update
// serialises writers so a committed write is visible to every later call.
package storage
