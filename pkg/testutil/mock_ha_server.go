// Package testutil provides a fake Home Assistant WebSocket server for
// end-to-end tests. It speaks enough of the protocol for the announcer:
// auth, get_states, subscribe_events and call_service, and it applies
// media_player service calls to entity state the way a cast speaker would.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (w *connWrapper) write(msg interface{}) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = w.conn.WriteJSON(msg)
}

// MockHAServer simulates a Home Assistant WebSocket server
type MockHAServer struct {
	server      *httptest.Server
	token       string
	states      map[string]*EntityState
	statesMu    sync.RWMutex
	connections []*connWrapper
	connsMu     sync.Mutex

	serviceCalls []ServiceCall
	failures     map[string]string
	callsMu      sync.Mutex
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// ServiceCall records a service call for verification
type ServiceCall struct {
	Timestamp   time.Time
	Domain      string
	Service     string
	ServiceData map[string]interface{}
}

// EntityID returns the entity the call targeted, if any
func (c ServiceCall) EntityID() string {
	id, _ := c.ServiceData["entity_id"].(string)
	return id
}

type message struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *messageError   `json:"error,omitempty"`
	Event   *event          `json:"event,omitempty"`
}

type messageError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

type stateChangedData struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

type request struct {
	ID          int                    `json:"id"`
	Type        string                 `json:"type"`
	AccessToken string                 `json:"access_token,omitempty"`
	Domain      string                 `json:"domain,omitempty"`
	Service     string                 `json:"service,omitempty"`
	ServiceData map[string]interface{} `json:"service_data,omitempty"`
}

// NewMockHAServer starts a server that accepts token
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:    token,
		states:   make(map[string]*EntityState),
		failures: make(map[string]string),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the WebSocket endpoint clients connect to
func (s *MockHAServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/websocket"
}

// Stop closes every connection and the listener
func (s *MockHAServer) Stop() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()

	s.server.Close()
}

// AddSpeaker registers a media_player entity in the idle state
func (s *MockHAServer) AddSpeaker(entityID, friendlyName string, volume float64) {
	s.SetState(entityID, "idle", map[string]interface{}{
		"friendly_name": friendlyName,
		"volume_level":  volume,
	})
}

// FailService makes domain.service return an error result
func (s *MockHAServer) FailService(domain, service, errMessage string) {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.failures[domain+"."+service] = errMessage
}

// SetState sets a state and broadcasts a state_changed event
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]

	now := time.Now()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

// StartPlayback marks a speaker as playing
func (s *MockHAServer) StartPlayback(entityID string) {
	s.updateEntity(entityID, "playing", nil)
}

// FinishPlayback returns a playing speaker to idle
func (s *MockHAServer) FinishPlayback(entityID string) {
	s.updateEntity(entityID, "idle", nil)
}

// updateEntity changes state and merges attributes. An empty state keeps the current one.
func (s *MockHAServer) updateEntity(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	current := s.states[entityID]
	if current == nil {
		s.statesMu.Unlock()
		return
	}

	merged := make(map[string]interface{}, len(current.Attributes)+len(attributes))
	for k, v := range current.Attributes {
		merged[k] = v
	}
	for k, v := range attributes {
		merged[k] = v
	}
	if state == "" {
		state = current.State
	}

	now := time.Now()
	next := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  merged,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = next
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, current, next)
}

func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	wrapper := &connWrapper{conn: conn}
	defer conn.Close()

	wrapper.write(message{Type: "auth_required"})

	var auth request
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.AccessToken != s.token {
		wrapper.write(message{Type: "auth_invalid"})
		return
	}
	wrapper.write(message{Type: "auth_ok"})

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		defer s.connsMu.Unlock()
		for i, other := range s.connections {
			if other == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
	}()

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "subscribe_events":
			wrapper.write(result(req.ID, nil))
		case "get_states":
			wrapper.write(result(req.ID, s.statesJSON()))
		case "call_service":
			s.handleCallService(wrapper, req)
		}
	}
}

func result(id int, body json.RawMessage) message {
	success := true
	return message{ID: id, Type: "result", Success: &success, Result: body}
}

func (s *MockHAServer) statesJSON() json.RawMessage {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()

	states := make([]*EntityState, 0, len(s.states))
	for _, state := range s.states {
		states = append(states, state)
	}
	data, _ := json.Marshal(states)
	return data
}

func (s *MockHAServer) handleCallService(wrapper *connWrapper, req request) {
	s.callsMu.Lock()
	s.serviceCalls = append(s.serviceCalls, ServiceCall{
		Timestamp:   time.Now(),
		Domain:      req.Domain,
		Service:     req.Service,
		ServiceData: req.ServiceData,
	})
	failure, failed := s.failures[req.Domain+"."+req.Service]
	s.callsMu.Unlock()

	if failed {
		success := false
		wrapper.write(message{
			ID:      req.ID,
			Type:    "result",
			Success: &success,
			Error:   &messageError{Code: "home_assistant_error", Message: failure},
		})
		return
	}

	// Reply first; state events follow, as in Home Assistant
	wrapper.write(result(req.ID, nil))

	entityID, _ := req.ServiceData["entity_id"].(string)
	if req.Domain != "media_player" || entityID == "" {
		return
	}

	switch req.Service {
	case "volume_set":
		if level, ok := req.ServiceData["volume_level"].(float64); ok {
			s.updateEntity(entityID, "", map[string]interface{}{"volume_level": level})
		}
	case "play_media":
		s.updateEntity(entityID, "playing", map[string]interface{}{
			"media_content_id":   req.ServiceData["media_content_id"],
			"media_content_type": req.ServiceData["media_content_type"],
		})
	case "media_stop":
		s.updateEntity(entityID, "idle", nil)
	case "turn_off":
		s.updateEntity(entityID, "off", nil)
	}
}

func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	data, _ := json.Marshal(stateChangedData{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})

	msg := message{
		Type: "event",
		Event: &event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now(),
		},
	}

	s.connsMu.Lock()
	wrappers := make([]*connWrapper, len(s.connections))
	copy(wrappers, s.connections)
	s.connsMu.Unlock()

	for _, wrapper := range wrappers {
		wrapper.write(msg)
	}
}

// GetServiceCalls returns all service calls since last clear
func (s *MockHAServer) GetServiceCalls() []ServiceCall {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	calls := make([]ServiceCall, len(s.serviceCalls))
	copy(calls, s.serviceCalls)
	return calls
}

// ClearServiceCalls resets the service call log
func (s *MockHAServer) ClearServiceCalls() {
	s.callsMu.Lock()
	defer s.callsMu.Unlock()
	s.serviceCalls = nil
}

// FilterServiceCalls filters service calls by domain and service
func FilterServiceCalls(calls []ServiceCall, domain, service string) []ServiceCall {
	var filtered []ServiceCall
	for _, call := range calls {
		if call.Domain == domain && call.Service == service {
			filtered = append(filtered, call)
		}
	}
	return filtered
}
