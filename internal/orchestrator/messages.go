// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

// Replies sent to participants.
const (
	msgAccepted      = "Your request has been accepted, please wait for the answer!"
	msgBusy          = "Please wait for the answer to your previous message, then try again."
	msgEmptyPrompt   = "Message cannot be empty."
	msgAccessDenied  = "❌ Access denied. Use /auth <key> to authorize."
	msgAuthCheckFail = "⚠️ Authorization check failed. Please try again."
	msgBackendError  = "Error contacting the model:\n\n%s"

	msgAuthUsage      = "Usage: /auth <secret_key>"
	msgAuthInvalid    = "Invalid secret key"
	msgAuthThrottled  = "Too many attempts. Please try again in a minute."
	msgAuthDisabled   = "Authorization is disabled: no secret keyword is configured."
	msgAuthOK         = "✅ Authorization successful! You can now use the bot."
	msgAuthStoreError = "⚠️ Authorization error. Please try again or restart the bot."

	msgModelHint        = "Use %s to choose a model"
	msgModelAlreadySet  = "✅ Model is already set to %s"
	msgModelChanged     = "✅ Model changed to %s\n🔹 Context cleared"
	msgModelReasoning   = "\n🔹 Chain-of-Thought reasoning will now be shown"
	msgModelChangeError = "⚠️ Failed to change model\n🔹 Error: %v\n🔹 Use /new for a full reset"

	msgNewConversation = "✅ New conversation started. Previous context fully cleared."
	msgNewError        = "⚠️ Failed to clear context"

	msgContextEmpty = "Context is empty."
	msgContextError = "⚠️ Failed to load context"

	msgUsageEmpty = "No usage recorded yet."
	msgUsageError = "⚠️ Failed to load usage"
	msgUsage      = "📊 Usage\nRequests: %d\nInput tokens: %d\nOutput tokens: %d\nTotal cost: $%.6f"

	msgTestError = "⚠️ Failed to send the test message"

	msgUnknownCommand = "Unknown command %s. Send /help to see available commands."
	msgBadArgs        = "%v\nUsage: %s"

	msgWelcome = "👋 Hi! I relay your messages to a language model and keep the conversation context."
)

// Audit contents of bookkeeping rows.
const (
	auditAuth        = "auth_command"
	auditNew         = "new_conversation"
	auditShowContext = "show_context_request"
	auditModelPrefix = "model_change_to_"
)

// test_long_message bodies.
const (
	testLongLine      = "This is a long test message to check how the bot handles long replies.\n"
	testReasoningLine = "The model's step-by-step reasoning would appear here...\n"
)
