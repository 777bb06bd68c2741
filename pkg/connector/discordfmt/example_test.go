// Copyright 2024-2026 Aiku AI

package discordfmt_test

import (
	"fmt"

	"github.com/aiku/matrix-discord-bridge/pkg/connector/discordfmt"
)

func ExampleParse() {
	msg := discordfmt.Parse("**hello** ||world||")
	fmt.Println(msg.FormattedBody)
	// Output: <strong>hello</strong> <span data-mx-spoiler>world</span>
}
