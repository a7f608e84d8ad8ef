// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import "github.com/bxlab/singlet"

func main() {
	singlet.Main()
}
