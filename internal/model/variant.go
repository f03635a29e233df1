// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Variant identifies the backend model a participant talks to.
type Variant string

const (
	// VariantChat is the plain conversational model.
	VariantChat Variant = "chat"

	// VariantReasoner emits reasoning before its answer and requires
	// strictly alternating history.
	VariantReasoner Variant = "reasoner"

	// DefaultVariant is assigned to participants that never chose one.
	DefaultVariant = VariantChat
)

// ErrUnknownVariant is returned when a variant name is not registered.
var ErrUnknownVariant = errors.New("unknown model variant")

// VariantInfo describes a registered variant.
type VariantInfo struct {
	Name Variant

	// BackendModel is the model identifier sent to the backend.
	BackendModel string

	// Reasoning variants stream reasoning fragments and get their
	// history repaired into strict user/assistant alternation.
	Reasoning bool

	Description string
}

// registry guards variants; config reloads write while handlers read.
var registry sync.RWMutex

var variants = map[Variant]VariantInfo{
	VariantChat: {
		Name:         VariantChat,
		BackendModel: "deepseek-chat",
		Description:  "fast conversational model",
	},
	VariantReasoner: {
		Name:         VariantReasoner,
		BackendModel: "deepseek-reasoner",
		Reasoning:    true,
		Description:  "shows its reasoning before answering",
	},
}

// String returns the variant name.
func (v Variant) String() string {
	return string(v)
}

// Info returns the registered description of the variant.
func (v Variant) Info() (VariantInfo, bool) {
	registry.RLock()
	defer registry.RUnlock()
	info, ok := variants[v]
	return info, ok
}

// IsReasoning reports whether the variant is a reasoning variant.
func (v Variant) IsReasoning() bool {
	info, _ := v.Info()
	return info.Reasoning
}

// BackendModel returns the backend model id, or the variant name itself
// for unregistered variants.
func (v Variant) BackendModel() string {
	if info, ok := v.Info(); ok && info.BackendModel != "" {
		return info.BackendModel
	}
	return string(v)
}

// ParseVariant resolves a variant from its name or its backend model id.
// Stored settings written by older releases hold the backend model id.
func ParseVariant(name string) (Variant, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	registry.RLock()
	defer registry.RUnlock()
	if _, ok := variants[Variant(name)]; ok {
		return Variant(name), true
	}
	for v, info := range variants {
		if info.BackendModel == name {
			return v, true
		}
	}
	return "", false
}

// MustParseVariant is ParseVariant with an error for unknown names.
func MustParseVariant(name string) (Variant, error) {
	v, ok := ParseVariant(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return v, nil
}

// IsBuiltin reports whether v is one of the variants compiled in.
func IsBuiltin(v Variant) bool {
	return v == VariantChat || v == VariantReasoner
}

// ValidVariantName reports whether name can be used as a variant. Names
// become /model_<name> commands, so only lowercase letters, digits and
// underscores are allowed.
func ValidVariantName(name string) bool {
	if name == "" || name[0] < 'a' || name[0] > 'z' {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

// RegisterVariant adds or replaces an extra variant. Built-in variants
// can only be retargeted with SetBackendModel.
func RegisterVariant(info VariantInfo) error {
	switch {
	case !ValidVariantName(string(info.Name)):
		return fmt.Errorf("invalid variant name %q", info.Name)
	case IsBuiltin(info.Name):
		return fmt.Errorf("variant %q is built in", info.Name)
	case strings.TrimSpace(info.BackendModel) == "":
		return fmt.Errorf("variant %q: backend model id must not be empty", info.Name)
	}

	registry.Lock()
	defer registry.Unlock()
	variants[info.Name] = info
	return nil
}

// SetBackendModel overrides the backend model id of a registered variant.
func SetBackendModel(v Variant, backendModel string) error {
	registry.Lock()
	defer registry.Unlock()
	info, ok := variants[v]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariant, v)
	}
	info.BackendModel = backendModel
	variants[v] = info
	return nil
}

// Variants lists registered variants sorted by name.
func Variants() []VariantInfo {
	registry.RLock()
	out := make([]VariantInfo, 0, len(variants))
	for _, info := range variants {
		out = append(out, info)
	}
	registry.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
