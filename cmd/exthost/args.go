// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
)

// parseCustomArgs reads "@key value" pairs from the positional
// arguments. A key followed by another key, or by nothing, has an
// empty value.
func parseCustomArgs(args []string) (map[string]string, error) {
	custom := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if len(arg) < 2 || arg[0] != '@' {
			return nil, fmt.Errorf("unexpected argument %q (custom arguments are @key value)", arg)
		}
		key := arg[1:]
		value := ""
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "@") {
			value = args[i+1]
			i++
		}
		custom[key] = value
	}
	return custom, nil
}
