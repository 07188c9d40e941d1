// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bureau-foundation/exthost/lib/apierror"
)

// Args are the arguments of one remote call: positional values plus
// keyword values. Every operation takes the caller's token as
// argument 0 (keyword "token").
type Args struct {
	Positional []json.RawMessage
	Keyword    map[string]json.RawMessage
}

func (a Args) raw(index int, name string) (json.RawMessage, bool) {
	if index < len(a.Positional) {
		return a.Positional[index], true
	}
	value, ok := a.Keyword[name]
	return value, ok
}

// Required decodes argument index (or keyword name) into target.
func (a Args) Required(index int, name string, target any) error {
	raw, ok := a.raw(index, name)
	if !ok {
		return apierror.InvalidArgument("missing argument %q", name)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return apierror.InvalidArgument("argument %q: %v", name, err)
	}
	return nil
}

// Optional decodes the argument if present and not null, leaving
// target untouched otherwise.
func (a Args) Optional(index int, name string, target any) error {
	raw, ok := a.raw(index, name)
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return apierror.InvalidArgument("argument %q: %v", name, err)
	}
	return nil
}

// Raw returns the undecoded argument, or nil if absent.
func (a Args) Raw(index int, name string) json.RawMessage {
	raw, _ := a.raw(index, name)
	return raw
}

type operation func(ctx context.Context, token string, args Args) (any, error)

// Dispatch runs the named operation. It satisfies the IPC transport's
// dispatcher contract and is used directly by in-process workers.
func (b *Broker) Dispatch(ctx context.Context, function string, positional []json.RawMessage, keyword map[string]json.RawMessage) (any, error) {
	if strings.HasPrefix(function, "_") {
		return nil, apierror.PermissionDenied("operation %q is not public", function)
	}
	op, ok := b.operations[function]
	if !ok {
		return nil, apierror.NotFound("unknown operation %q", function).With("operation", function)
	}
	args := Args{Positional: positional, Keyword: keyword}
	var token string
	if err := args.Required(0, "token", &token); err != nil {
		return nil, err
	}
	return op(ctx, token, args)
}

// Operations lists the public operation names, sorted.
func (b *Broker) Operations() []string {
	names := make([]string, 0, len(b.operations))
	for name := range b.operations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decode decodes positional arguments 1..n (keywords names[i]) into
// targets, stopping at the first error.
func decode(args Args, names []string, targets ...any) error {
	if len(names) != len(targets) {
		panic(fmt.Sprintf("broker: %d names for %d targets", len(names), len(targets)))
	}
	for i, name := range names {
		if err := args.Required(i+1, name, targets[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) registry() map[string]operation {
	return map[string]operation{
		"file_open": func(ctx context.Context, token string, args Args) (any, error) {
			var path string
			mode, encoding := "r", ""
			if err := args.Required(1, "path", &path); err != nil {
				return nil, err
			}
			if err := args.Optional(2, "mode", &mode); err != nil {
				return nil, err
			}
			if err := args.Optional(3, "encoding", &encoding); err != nil {
				return nil, err
			}
			return b.FileOpen(token, path, mode, encoding)
		},
		"file_close": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			if err := decode(args, []string{"handle"}, &handle); err != nil {
				return nil, err
			}
			return nil, b.FileClose(token, handle)
		},
		"file_read": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			length := -1
			if err := args.Required(1, "handle", &handle); err != nil {
				return nil, err
			}
			if err := args.Optional(2, "length", &length); err != nil {
				return nil, err
			}
			return b.FileRead(token, handle, length)
		},
		"file_write": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			var data []byte
			if err := decode(args, []string{"handle", "data"}, &handle, &data); err != nil {
				return nil, err
			}
			return b.FileWrite(token, handle, data)
		},
		"file_flush": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			if err := decode(args, []string{"handle"}, &handle); err != nil {
				return nil, err
			}
			return nil, b.FileFlush(token, handle)
		},
		"file_seek": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			var offset int64
			whence := 0
			if err := decode(args, []string{"handle", "offset"}, &handle, &offset); err != nil {
				return nil, err
			}
			if err := args.Optional(3, "whence", &whence); err != nil {
				return nil, err
			}
			return b.FileSeek(token, handle, offset, whence)
		},
		"file_tell": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			if err := decode(args, []string{"handle"}, &handle); err != nil {
				return nil, err
			}
			return b.FileTell(token, handle)
		},
		"file_fstat": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			if err := decode(args, []string{"handle"}, &handle); err != nil {
				return nil, err
			}
			return b.FileFstat(token, handle)
		},
		"file_stat": func(ctx context.Context, token string, args Args) (any, error) {
			var path string
			if err := decode(args, []string{"path"}, &path); err != nil {
				return nil, err
			}
			return b.FileStat(token, path)
		},
		"file_list": func(ctx context.Context, token string, args Args) (any, error) {
			var path string
			if err := decode(args, []string{"path"}, &path); err != nil {
				return nil, err
			}
			return b.FileList(token, path)
		},
		"file_mkdir": func(ctx context.Context, token string, args Args) (any, error) {
			var path string
			if err := decode(args, []string{"path"}, &path); err != nil {
				return nil, err
			}
			return nil, b.FileMkdir(token, path)
		},
		"file_delete": func(ctx context.Context, token string, args Args) (any, error) {
			var path string
			if err := decode(args, []string{"path"}, &path); err != nil {
				return nil, err
			}
			return nil, b.FileDelete(token, path)
		},

		"datastore_get": func(ctx context.Context, token string, args Args) (any, error) {
			var key string
			if err := decode(args, []string{"key"}, &key); err != nil {
				return nil, err
			}
			return b.DatastoreGet(ctx, token, key)
		},
		"datastore_set": func(ctx context.Context, token string, args Args) (any, error) {
			var key string
			var value []byte
			if err := decode(args, []string{"key", "value"}, &key, &value); err != nil {
				return nil, err
			}
			return nil, b.DatastoreSet(ctx, token, key, value)
		},
		"datastore_delete": func(ctx context.Context, token string, args Args) (any, error) {
			var key string
			if err := decode(args, []string{"key"}, &key); err != nil {
				return nil, err
			}
			return nil, b.DatastoreDelete(ctx, token, key)
		},
		"datastore_keys": func(ctx context.Context, token string, args Args) (any, error) {
			var prefix string
			page := 0
			if err := args.Required(1, "prefix", &prefix); err != nil {
				return nil, err
			}
			if err := args.Optional(2, "page", &page); err != nil {
				return nil, err
			}
			return b.DatastoreKeys(ctx, token, prefix, page)
		},
		"datastore_test_and_set": func(ctx context.Context, token string, args Args) (any, error) {
			var key string
			var value []byte
			if err := decode(args, []string{"key", "value"}, &key, &value); err != nil {
				return nil, err
			}
			return b.DatastoreTestAndSet(ctx, token, key, value)
		},

		"webrequest": func(ctx context.Context, token string, args Args) (any, error) {
			var request WebRequest
			if err := decode(args, []string{"method", "url"}, &request.Method, &request.URL); err != nil {
				return nil, err
			}
			if err := args.Optional(3, "headers", &request.Headers); err != nil {
				return nil, err
			}
			if err := args.Optional(4, "data", &request.Body); err != nil {
				return nil, err
			}
			request.SSLVerify = args.Raw(5, "ssl_verify")
			if err := args.Optional(6, "timeout", &request.Timeout); err != nil {
				return nil, err
			}
			return b.WebRequest(ctx, token, request)
		},

		"log": func(ctx context.Context, token string, args Args) (any, error) {
			var level, message string
			if err := decode(args, []string{"level", "message"}, &level, &message); err != nil {
				return nil, err
			}
			return nil, b.Log(token, level, message)
		},
		"exit_wait": func(ctx context.Context, token string, args Args) (any, error) {
			return nil, b.ExitWait(ctx, token)
		},
		"extension_options_get": func(ctx context.Context, token string, args Args) (any, error) {
			var option string
			if err := decode(args, []string{"option"}, &option); err != nil {
				return nil, err
			}
			return b.Option(token, option)
		},

		"connection_get": func(ctx context.Context, token string, args Args) (any, error) {
			var method, route string
			if err := decode(args, []string{"method", "route"}, &method, &route); err != nil {
				return nil, err
			}
			return b.ConnectionGet(ctx, token, method, route)
		},
		"connection_read": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			length := -1
			if err := args.Required(1, "handle", &handle); err != nil {
				return nil, err
			}
			if err := args.Optional(2, "length", &length); err != nil {
				return nil, err
			}
			return b.ConnectionRead(token, handle, length)
		},
		"connection_begin_response": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			var status int
			var headers []Header
			if err := decode(args, []string{"handle", "code"}, &handle, &status); err != nil {
				return nil, err
			}
			if err := args.Optional(3, "headers", &headers); err != nil {
				return nil, err
			}
			return nil, b.ConnectionBeginResponse(token, handle, status, headers)
		},
		"connection_write": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			var data []byte
			if err := decode(args, []string{"handle", "data"}, &handle, &data); err != nil {
				return nil, err
			}
			return b.ConnectionWrite(token, handle, data)
		},
		"connection_close": func(ctx context.Context, token string, args Args) (any, error) {
			var handle string
			if err := decode(args, []string{"handle"}, &handle); err != nil {
				return nil, err
			}
			return nil, b.ConnectionClose(token, handle)
		},

		"messages_send": func(ctx context.Context, token string, args Args) (any, error) {
			var recipient string
			var message json.RawMessage
			if err := decode(args, []string{"recipient", "message"}, &recipient, &message); err != nil {
				return nil, err
			}
			return nil, b.MessagesSend(ctx, token, recipient, message)
		},
		"messages_get": func(ctx context.Context, token string, args Args) (any, error) {
			return b.MessagesGet(ctx, token)
		},
		"messages_list_recipients": func(ctx context.Context, token string, args Args) (any, error) {
			return b.MessagesListRecipients(token)
		},
	}
}
