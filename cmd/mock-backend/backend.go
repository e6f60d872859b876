package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/completion"
)

type backend struct {
	// key, when set, must match the bearer token.
	key string
	seq atomic.Int64
}

func (b *backend) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", b.handleChatCompletions)
	mux.HandleFunc("POST /openai/v1/chat/completions", b.handleChatCompletions)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	return mux
}

func (b *backend) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" || (b.key != "" && token != b.key) {
		writeChatError(w, http.StatusUnauthorized, "invalid_api_key", "Incorrect API key provided")
		return
	}

	var req completion.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeChatError(w, http.StatusBadRequest, "invalid_request_error", "invalid request: "+err.Error())
		return
	}

	task := lastUserMessage(&req)
	content, status := respond(task)
	if status != http.StatusOK {
		writeChatError(w, status, "server_error", "mock upstream failure")
		return
	}

	msg := &completion.ChatResponseMessage{Role: "assistant", Content: content}
	resp := completion.ChatCompletionResponse{
		ID:      "chatcmpl-mock-" + strconv.FormatInt(b.seq.Add(1), 10),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []completion.ChatChoice{{Index: 0, Message: msg, FinishReason: "stop"}},
		Usage: &completion.ChatUsage{
			PromptTokens:     len(strings.Fields(task)) + 400,
			CompletionTokens: len(strings.Fields(content)),
			TotalTokens:      len(strings.Fields(task)) + 400 + len(strings.Fields(content)),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// respond picks a canned reply for task. A non-200 status means the
// backend should fail the request.
func respond(task string) (content string, status int) {
	lower := strings.ToLower(task)
	switch {
	case strings.Contains(lower, "upstream failure"):
		return "", http.StatusServiceUnavailable
	case strings.Contains(lower, "not json"):
		return "Sure! Here is your program.", http.StatusOK
	case strings.Contains(lower, "missing code"):
		return `{"dependencies": []}`, http.StatusOK
	case strings.Contains(lower, "delete"), strings.Contains(lower, "remove"):
		return program("import os\nos.remove('/data/target.txt')\n"), http.StatusOK
	case strings.Contains(lower, "fail"):
		return program("import sys\nsys.stderr.write('task failed\\n')\nsys.exit(1)\n"), http.StatusOK
	case strings.Contains(lower, "requests"):
		return program("import requests\nprint(requests.__version__)\n", "requests"), http.StatusOK
	default:
		return program(fmt.Sprintf("print(%q)\n", task)), http.StatusOK
	}
}

func program(code string, deps ...string) string {
	out := api.CompletionResult{Code: code, Dependencies: []api.Dependency{}}
	for _, d := range deps {
		out.Dependencies = append(out.Dependencies, api.Dependency{Module: d})
	}
	data, _ := json.Marshal(out)
	return string(data)
}

func lastUserMessage(req *completion.ChatCompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

func writeChatError(w http.ResponseWriter, status int, typ, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(completion.ChatErrorResponse{
		Error: completion.ChatErrorDetail{Message: message, Type: typ},
	})
}
