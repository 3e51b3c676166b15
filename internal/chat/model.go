// Copyright 2025 The Orcheo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chat stores conversational threads, their ordered items, and
// attachments for workflows with chat interfaces.
package chat

import (
	"encoding/json"
	"time"
)

// Order controls pagination direction.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// Thread is one conversation.
type Thread struct {
	ID        string         `json:"id"`
	Title     string         `json:"title,omitempty"`
	Status    map[string]any `json:"status,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Item is one entry in a thread: a message, a tool call, or any other
// payload the workflow appends. Ordinal is the per-thread sequence
// number; (ThreadID, Ordinal) is unique.
type Item struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Ordinal   int            `json:"ordinal"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Attachment is a file or artifact associated with a thread.
// StoragePath, when set, names the on-disk file removed on delete.
type Attachment struct {
	ID          string         `json:"id"`
	ThreadID    string         `json:"thread_id,omitempty"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	MimeType    string         `json:"mime_type,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	StoragePath string         `json:"storage_path,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Context identifies the workflow that produced an inbound request.
// SaveThread mirrors it into thread metadata without overwriting fields
// the caller set explicitly.
type Context struct {
	WorkflowID   string
	WorkflowName string
}

// ThreadQuery selects a page of threads, keyset-paginated by
// (created_at, id). After is a thread ID marker; unresolved markers
// start from the beginning.
type ThreadQuery struct {
	Limit int
	After string
	Order Order
}

// ItemQuery selects a page of a thread's items by ordinal. After is an
// item ID resolved strictly within the thread; an unresolved marker
// starts from ordinal 0.
type ItemQuery struct {
	ThreadID string
	After    string
	Limit    int
	Order    Order
}

func (q ItemQuery) order() Order {
	if q.Order == OrderDesc {
		return OrderDesc
	}
	return OrderAsc
}

func (q ThreadQuery) order() Order {
	if q.Order == OrderAsc {
		return OrderAsc
	}
	return OrderDesc
}

func cloneJSONMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil
	}
	return out
}

func cloneThread(t *Thread) *Thread {
	if t == nil {
		return nil
	}
	out := *t
	out.Status = cloneJSONMap(t.Status)
	out.Metadata = cloneJSONMap(t.Metadata)
	return &out
}

func cloneItem(i *Item) *Item {
	if i == nil {
		return nil
	}
	out := *i
	out.Payload = cloneJSONMap(i.Payload)
	return &out
}

func cloneAttachment(a *Attachment) *Attachment {
	if a == nil {
		return nil
	}
	out := *a
	out.Details = cloneJSONMap(a.Details)
	return &out
}
