// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and turn
// messages.
//
// This package defines the core domain types used throughout the engine
// for representing token-budgeted conversations and the messages exchanged
// within them.
//
// # Key Types
//
//   - Conversation: a budgeted exchange between one actor and the
//     generation backend, either free-form or anchored to a fixed topic
//   - Message: a single immutable turn message with role, content and
//     recorded token cost
//   - Actor: the authenticated owner of a conversation
//   - Kind: conversation kind enumeration (FREE, ANCHORED)
//   - Role: message role enumeration (USER, ASSISTANT)
//
// # Usage
//
// Create a new conversation and record a turn:
//
//	conv := model.NewConversation(actor.ID, model.KindFree, "")
//	user := model.NewUserMessage(conv.ID, "Hello!", 4)
//	reply := model.NewAssistantMessage(conv.ID, "Hi there!", 5, 9991)
package model
