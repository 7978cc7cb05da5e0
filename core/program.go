package core

import "encoding/json"

// Metadata is free-form program metadata: name, authors, description,
// license, and whatever else a toolchain embeds in the compiled artifact.
type Metadata struct {
	Name        string            `json:"name"`
	Authors     []string          `json:"authors,omitempty"`
	Description string            `json:"description,omitempty"`
	License     string            `json:"license,omitempty"`
	Version     string            `json:"version,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Sink is a named outbound call target resolved to another program id plus
// the writer role the outbound call uses.
type Sink struct {
	Alias      string `json:"alias"`
	ContractID ID     `json:"contract_id"`
	Writer     ID     `json:"writer"`
}

// Description holds a program's roles, sinks and (for contracts)
// participant list.
type Description struct {
	Roles        []string `json:"roles,omitempty"`
	Sinks        []Sink   `json:"sinks,omitempty"`
	Participants []ID     `json:"participants,omitempty"`
}

// Capabilities gates the agent-only ABI surface: outbound HTTP, outbound
// WebSocket, and (when set) the allow-list of URLs an agent may reach.
type Capabilities struct {
	NetworkAllowed   bool     `json:"network_allowed"`
	WebsocketAllowed bool     `json:"websocket_allowed"`
	URLAllowList     []string `json:"url_allow_list,omitempty"`
}

// Allowed reports whether url is permitted by the capability allow-list. An
// empty allow-list with NetworkAllowed set permits every URL.
func (c Capabilities) Allowed(url string) bool {
	if !c.NetworkAllowed {
		return false
	}
	if len(c.URLAllowList) == 0 {
		return true
	}
	for _, u := range c.URLAllowList {
		if u == url {
			return true
		}
	}
	return false
}

// Schedule is a recurring action-without-parameters fired by the
// supervisor.
type Schedule struct {
	Method    string `json:"method"`
	PeriodSec uint64 `json:"period_sec"`
	DelaySec  uint64 `json:"delay_sec"`
	Immediate bool   `json:"immediate"`
}

// WSConfig describes an agent's single outbound WebSocket connection.
type WSConfig struct {
	URL             string `json:"url"`
	Reconnect       bool   `json:"reconnect"`
	PingIntervalSec uint64 `json:"ping_interval_sec"`
}

// Introduction is the payload that installs a program: its id, description,
// metadata and initial state, decoded once at install time.
type Introduction struct {
	ID           ID              `json:"id"`
	Participants []ID            `json:"participants,omitempty"`
	Roles        []string        `json:"roles,omitempty"`
	Sinks        []Sink          `json:"sinks,omitempty"`
	Description  Description     `json:"description"`
	Meta         Metadata        `json:"meta"`
	InitialState json.RawMessage `json:"initial_state"`

	// Agent-only fields; zero-valued for contracts.
	Capabilities  Capabilities `json:"capabilities,omitempty"`
	Subscriptions []Subscribe  `json:"subscriptions,omitempty"`

	// StateType and Methods are optional; when Methods is non-empty the
	// runtime builds a MethodTable at introduction time (failing the
	// introduction outright on a method-id collision) so a later
	// method_id-addressed call is validated against the declared set
	// before any guest code runs.
	StateType string   `json:"state_type,omitempty"`
	Methods   []string `json:"methods,omitempty"`
}

// Subscribe is one initial subscription an agent installs at introduction.
type Subscribe struct {
	Publisher ID     `json:"publisher"`
	Topic     string `json:"topic"`
	Method    string `json:"method"`
}

// CallAction is the wire shape of a posted/dispatched action:
// {"method": "...", "params": {...}} or {"method_id": <u32>, "params": {...}}.
type CallAction struct {
	Method   string          `json:"method,omitempty"`
	MethodID *uint32         `json:"method_id,omitempty"`
	Params   json.RawMessage `json:"params"`
}

// Revocation is the payload of a revocation action.
type Revocation struct {
	Reason string `json:"reason"`
}

// Info is the read-only view over a program's description, assembled by
// Controller from the metadata base key's fixed sub-keys.
type Info struct {
	ProgramID    ID       `json:"program_id"`
	Participants []ID     `json:"participants,omitempty"`
	Roles        []string `json:"roles,omitempty"`
	Sinks        []Sink   `json:"sinks,omitempty"`
}

// FullInfo bundles Info, Description and Metadata the way the HTTP surface's
// "full program info" route returns them.
type FullInfo struct {
	Info *Info       `json:"info"`
	Desc *Description `json:"desc,omitempty"`
	Meta *Metadata    `json:"meta,omitempty"`
}
