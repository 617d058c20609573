// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package util holds small helpers shared across the module.
package util

import "crypto/rand"

func Assert(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}

// RandText returns a short random identifier, used to tag transports and
// connections in logs.
func RandText() string {
	return rand.Text()
}
