package assistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/base64x"
	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
)

type EventType string

type ServerEventType EventType

type ClientEventType EventType

// Server event types
const (
	ServerEventTypeError                    ServerEventType = "error"
	ServerEventTypeResponseAudioDelta       ServerEventType = "response.audio.delta"
	ServerEventTypeResponseAudioDone        ServerEventType = "response.audio.done"
	ServerEventTypeResponseOutputAudioDelta ServerEventType = "response.output_audio.delta"
	ServerEventTypeResponseOutputAudioDone  ServerEventType = "response.output_audio.done"
	ServerEventTypeResponseOutputItemDone   ServerEventType = "response.output_item.done"
	ServerEventTypeFunctionCall             ServerEventType = "function_call"
)

// Client event types
const (
	ClientEventTypeSessionUpdate          ClientEventType = "session.update"
	ClientEventTypeInputAudioBufferAppend ClientEventType = "input_audio_buffer.append"
	ClientEventTypeConversationItemCreate ClientEventType = "conversation.item.create"
	ClientEventTypeResponseCreate         ClientEventType = "response.create"
)

const (
	ModalityAudio = "audio"
	ModalityText  = "text"

	itemTypeFunctionCall       = "function_call"
	itemTypeFunctionCallOutput = "function_call_output"
)

type Event interface {
	EventType() EventType
	IsServerEvent() bool
	IsClientEvent() bool
	MarshalYAML() ([]byte, error)
	MarshalJSON() ([]byte, error)
	UnmarshalJSON(data []byte) error
}

type EventParam interface {
	New(map[string]any) error
	Json() map[string]any
}

func flatten(eventId string, eventType EventType, param EventParam) (map[string]any, error) {
	if eventType == "" {
		return nil, errors.New("Type is empty")
	}
	if param == nil {
		return nil, errors.New("Param is nil")
	}
	resp := map[string]any{}
	for k, v := range param.Json() {
		resp[k] = v
	}
	if eventId != "" {
		resp["event_id"] = eventId
	}
	resp["type"] = string(eventType)
	return resp, nil
}

// unflatten splits the envelope fields off a decoded event.
func unflatten(data []byte) (eventId, eventType string, rest map[string]any, err error) {
	if err = sonic.Unmarshal(data, &rest); err != nil {
		return "", "", nil, err
	}
	if rest == nil {
		return "", "", nil, errors.New("event is not an object")
	}
	if v, ok := rest["type"].(string); ok && v != "" {
		eventType = v
		delete(rest, "type")
	} else {
		return "", "", nil, errors.New("missing type")
	}
	if v, ok := rest["event_id"].(string); ok {
		eventId = v
	}
	delete(rest, "event_id")
	return eventId, eventType, rest, nil
}

// ServerEvent is a message received from the remote agent.
type ServerEvent struct {
	EventId string
	Type    ServerEventType
	Param   EventParam
}

var _ Event = (*ServerEvent)(nil)

func (e *ServerEvent) EventType() EventType { return EventType(e.Type) }

func (e *ServerEvent) IsServerEvent() bool { return true }

func (e *ServerEvent) IsClientEvent() bool { return false }

func (e *ServerEvent) MarshalYAML() ([]byte, error) {
	resp, err := flatten(e.EventId, e.EventType(), e.Param)
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	resp, err := flatten(e.EventId, e.EventType(), e.Param)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

// UnmarshalJSON never rejects an event for its type: unrecognised types
// decode into ServerEventParamUnknown so the session can log and skip them.
func (e *ServerEvent) UnmarshalJSON(data []byte) error {
	eventId, eventType, raw, err := unflatten(data)
	if err != nil {
		return err
	}
	e.EventId = eventId
	e.Type = ServerEventType(eventType)
	switch e.Type {
	case ServerEventTypeError:
		e.Param = new(ServerEventParamError)
	case ServerEventTypeResponseAudioDelta, ServerEventTypeResponseOutputAudioDelta:
		e.Param = new(ServerEventParamResponseAudioDelta)
	case ServerEventTypeResponseAudioDone, ServerEventTypeResponseOutputAudioDone:
		e.Param = new(ServerEventParamResponseAudioDone)
	case ServerEventTypeResponseOutputItemDone:
		e.Param = new(ServerEventParamResponseOutputItemDone)
	case ServerEventTypeFunctionCall:
		e.Param = new(ServerEventParamFunctionCall)
	default:
		e.Param = new(ServerEventParamUnknown)
	}
	if err := e.Param.New(raw); err != nil {
		return fmt.Errorf("decoding %s: %w", e.Type, err)
	}
	return nil
}

// ClientEvent is a message sent to the remote agent.
type ClientEvent struct {
	EventId string
	Type    ClientEventType
	Param   EventParam
}

var _ Event = (*ClientEvent)(nil)

func (e *ClientEvent) EventType() EventType { return EventType(e.Type) }

func (e *ClientEvent) IsServerEvent() bool { return false }

func (e *ClientEvent) IsClientEvent() bool { return true }

func (e *ClientEvent) MarshalYAML() ([]byte, error) {
	resp, err := flatten(e.EventId, e.EventType(), e.Param)
	if err != nil {
		return nil, err
	}
	return yaml.MarshalWithOptions(resp, yaml.UseJSONMarshaler())
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	resp, err := flatten(e.EventId, e.EventType(), e.Param)
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

func (e *ClientEvent) UnmarshalJSON(data []byte) error {
	eventId, eventType, raw, err := unflatten(data)
	if err != nil {
		return err
	}
	e.EventId = eventId
	e.Type = ClientEventType(eventType)
	switch e.Type {
	case ClientEventTypeSessionUpdate:
		e.Param = new(ClientEventParamSessionUpdate)
	case ClientEventTypeInputAudioBufferAppend:
		e.Param = new(ClientEventParamInputAudioBufferAppend)
	case ClientEventTypeConversationItemCreate:
		e.Param = new(ClientEventParamConversationItemCreate)
	case ClientEventTypeResponseCreate:
		e.Param = new(ClientEventParamResponseCreate)
	default:
		return fmt.Errorf("unknown event type: %s", e.Type)
	}
	return e.Param.New(raw)
}

func newEventId() string {
	return "evt_" + uuid.NewString()
}

// NewResponseCreate asks the agent to produce a response.
func NewResponseCreate(modalities []string, instructions string) *ClientEvent {
	return &ClientEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeResponseCreate,
		Param: &ClientEventParamResponseCreate{
			Modalities:   modalities,
			Instructions: instructions,
		},
	}
}

// NewInputAudioBufferAppend base64-encodes chunk for the wire.
func NewInputAudioBufferAppend(chunk []byte) *ClientEvent {
	return &ClientEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeInputAudioBufferAppend,
		Param:   &ClientEventParamInputAudioBufferAppend{Audio: EncodeAudio(chunk)},
	}
}

// NewFunctionCallOutput acknowledges a function call. callId may be empty
// when the agent did not supply one.
func NewFunctionCallOutput(callId, output string) *ClientEvent {
	return &ClientEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeConversationItemCreate,
		Param:   &ClientEventParamConversationItemCreate{CallId: callId, Output: output},
	}
}

func NewSessionUpdate(session map[string]any) *ClientEvent {
	return &ClientEvent{
		EventId: newEventId(),
		Type:    ClientEventTypeSessionUpdate,
		Param:   &ClientEventParamSessionUpdate{Session: session},
	}
}

func EncodeAudio(chunk []byte) string {
	return base64x.StdEncoding.EncodeToString(chunk)
}

func DecodeAudio(payload string) ([]byte, error) {
	return base64x.StdEncoding.DecodeString(payload)
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// asString renders a decoded JSON value as a parameter string.
func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	default:
		out, err := sonic.MarshalString(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return out
	}
}

func asStringSlice(v any) ([]string, bool) {
	switch ss := v.(type) {
	case []string:
		return ss, true
	case []any:
		res := make([]string, 0, len(ss))
		for _, s := range ss {
			str, ok := s.(string)
			if !ok {
				return nil, false
			}
			res = append(res, str)
		}
		return res, true
	}
	return nil, false
}

// error
type ServerEventParamError struct {
	Type    string
	Code    string
	Message string
	EventId string
	Param   any
}

func (p *ServerEventParamError) New(m map[string]any) error {
	errObj, ok := m["error"].(map[string]any)
	if !ok {
		return errors.New("missing error")
	}
	if v, ok := errObj["message"].(string); ok {
		p.Message = v
	} else {
		return errors.New("missing error.message")
	}
	p.Type, _ = errObj["type"].(string)
	p.Code, _ = errObj["code"].(string)
	p.EventId, _ = errObj["event_id"].(string)
	p.Param = errObj["param"]
	return nil
}

func (p *ServerEventParamError) Json() map[string]any {
	return map[string]any{
		"error": map[string]any{
			"type":     p.Type,
			"code":     p.Code,
			"message":  p.Message,
			"event_id": p.EventId,
			"param":    p.Param,
		},
	}
}

func (p *ServerEventParamError) Error() string {
	if p.Code != "" {
		return fmt.Sprintf("%s (%s): %s", p.Type, p.Code, p.Message)
	}
	return fmt.Sprintf("%s: %s", p.Type, p.Message)
}

// response.audio.delta / response.output_audio.delta
type ServerEventParamResponseAudioDelta struct {
	ResponseId string
	ItemId     string
	Delta      string
}

func (p *ServerEventParamResponseAudioDelta) New(m map[string]any) error {
	if v, ok := m["delta"].(string); ok {
		p.Delta = v
	} else {
		return errors.New("missing delta")
	}
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	return nil
}

func (p *ServerEventParamResponseAudioDelta) Json() map[string]any {
	resp := map[string]any{"delta": p.Delta}
	if p.ResponseId != "" {
		resp["response_id"] = p.ResponseId
	}
	if p.ItemId != "" {
		resp["item_id"] = p.ItemId
	}
	return resp
}

// response.audio.done / response.output_audio.done
type ServerEventParamResponseAudioDone struct {
	ResponseId string
	ItemId     string
}

func (p *ServerEventParamResponseAudioDone) New(m map[string]any) error {
	p.ResponseId, _ = m["response_id"].(string)
	p.ItemId, _ = m["item_id"].(string)
	return nil
}

func (p *ServerEventParamResponseAudioDone) Json() map[string]any {
	resp := map[string]any{}
	if p.ResponseId != "" {
		resp["response_id"] = p.ResponseId
	}
	if p.ItemId != "" {
		resp["item_id"] = p.ItemId
	}
	return resp
}

// function_call
type ServerEventParamFunctionCall struct {
	CallId     string
	Name       string
	Parameters map[string]string
}

func (p *ServerEventParamFunctionCall) New(m map[string]any) error {
	if v, ok := m["name"].(string); ok && v != "" {
		p.Name = v
	} else {
		return errors.New("missing name")
	}
	p.CallId, _ = m["call_id"].(string)
	p.Parameters = map[string]string{}
	switch params := m["parameters"].(type) {
	case nil:
	case map[string]any:
		for k, v := range params {
			p.Parameters[k] = asString(v)
		}
	default:
		return errors.New("invalid parameters")
	}
	return nil
}

func (p *ServerEventParamFunctionCall) Json() map[string]any {
	params := make(map[string]any, len(p.Parameters))
	for k, v := range p.Parameters {
		params[k] = v
	}
	resp := map[string]any{
		"name":       p.Name,
		"parameters": params,
	}
	if p.CallId != "" {
		resp["call_id"] = p.CallId
	}
	return resp
}

// response.output_item.done
type ServerEventParamResponseOutputItemDone struct {
	ResponseId  string
	OutputIndex int
	Item        map[string]any
}

func (p *ServerEventParamResponseOutputItemDone) New(m map[string]any) error {
	if v, ok := m["item"].(map[string]any); ok {
		p.Item = v
	} else {
		return errors.New("missing item")
	}
	p.ResponseId, _ = m["response_id"].(string)
	p.OutputIndex, _ = asInt(m["output_index"])
	return nil
}

func (p *ServerEventParamResponseOutputItemDone) Json() map[string]any {
	return map[string]any{
		"response_id":  p.ResponseId,
		"output_index": p.OutputIndex,
		"item":         p.Item,
	}
}

// FunctionCall extracts a function call from a completed output item. ok is
// false when the item is not a function call.
func (p *ServerEventParamResponseOutputItemDone) FunctionCall() (call *ServerEventParamFunctionCall, ok bool, err error) {
	if t, _ := p.Item["type"].(string); t != itemTypeFunctionCall {
		return nil, false, nil
	}
	call = &ServerEventParamFunctionCall{Parameters: map[string]string{}}
	if v, ok := p.Item["name"].(string); ok && v != "" {
		call.Name = v
	} else {
		return nil, true, errors.New("missing item.name")
	}
	call.CallId, _ = p.Item["call_id"].(string)
	args, _ := p.Item["arguments"].(string)
	if args == "" {
		return call, true, nil
	}
	var parsed map[string]any
	if err := sonic.UnmarshalString(args, &parsed); err != nil {
		return nil, true, fmt.Errorf("parsing item.arguments: %w", err)
	}
	for k, v := range parsed {
		call.Parameters[k] = asString(v)
	}
	return call, true, nil
}

// ServerEventParamUnknown keeps the payload of an unrecognised event.
type ServerEventParamUnknown struct {
	Fields map[string]any
}

func (p *ServerEventParamUnknown) New(m map[string]any) error {
	p.Fields = m
	return nil
}

func (p *ServerEventParamUnknown) Json() map[string]any {
	if p.Fields == nil {
		return map[string]any{}
	}
	return p.Fields
}

// response.create
type ClientEventParamResponseCreate struct {
	Modalities   []string
	Instructions string
}

func (p *ClientEventParamResponseCreate) New(m map[string]any) error {
	resp, ok := m["response"].(map[string]any)
	if !ok {
		return errors.New("missing response")
	}
	if v, ok := asStringSlice(resp["modalities"]); ok {
		p.Modalities = v
	} else if resp["modalities"] != nil {
		return errors.New("invalid response.modalities")
	}
	p.Instructions, _ = resp["instructions"].(string)
	return nil
}

func (p *ClientEventParamResponseCreate) Json() map[string]any {
	resp := map[string]any{"instructions": p.Instructions}
	if len(p.Modalities) > 0 {
		resp["modalities"] = p.Modalities
	}
	return map[string]any{"response": resp}
}

// input_audio_buffer.append
type ClientEventParamInputAudioBufferAppend struct {
	Audio string
}

func (p *ClientEventParamInputAudioBufferAppend) New(m map[string]any) error {
	if v, ok := m["audio"].(string); ok {
		p.Audio = v
	} else {
		return errors.New("missing audio")
	}
	return nil
}

func (p *ClientEventParamInputAudioBufferAppend) Json() map[string]any {
	return map[string]any{"audio": p.Audio}
}

// conversation.item.create carrying a function_call_output item. When a call
// id is known the item also carries call_id and output, the field names the
// GA realtime API correlates on.
type ClientEventParamConversationItemCreate struct {
	CallId string
	Output string
}

func (p *ClientEventParamConversationItemCreate) New(m map[string]any) error {
	item, ok := m["item"].(map[string]any)
	if !ok {
		return errors.New("missing item")
	}
	if t, _ := item["type"].(string); t != itemTypeFunctionCallOutput {
		return fmt.Errorf("unsupported item type: %v", item["type"])
	}
	if v, ok := item["function_call_output"].(string); ok {
		p.Output = v
	} else if v, ok := item["output"].(string); ok {
		p.Output = v
	} else {
		return errors.New("missing item.function_call_output")
	}
	p.CallId, _ = item["call_id"].(string)
	return nil
}

func (p *ClientEventParamConversationItemCreate) Json() map[string]any {
	item := map[string]any{
		"type":                 itemTypeFunctionCallOutput,
		"function_call_output": p.Output,
	}
	if p.CallId != "" {
		item["call_id"] = p.CallId
		item["output"] = p.Output
	}
	return map[string]any{"item": item}
}

// session.update
type ClientEventParamSessionUpdate struct {
	Session map[string]any
}

func (p *ClientEventParamSessionUpdate) New(m map[string]any) error {
	if v, ok := m["session"].(map[string]any); ok {
		p.Session = v
	} else {
		return errors.New("missing session")
	}
	return nil
}

func (p *ClientEventParamSessionUpdate) Json() map[string]any {
	return map[string]any{"session": p.Session}
}
