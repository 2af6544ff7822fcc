package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrNoTransport           = errors.New("no transport provided")
	ErrNoAudioDevice         = errors.New("no audio device provided")
	ErrNoDispatcher          = errors.New("no function dispatcher provided")
	ErrNoEventHandler        = errors.New("no event handler provided")
	ErrNoStore               = errors.New("no record store provided")
	ErrClientNotInitialized  = errors.New("client not initialized")
	ErrEHandlerAlreadySet    = errors.New("event handler already set")
	ErrAHandlerAlreadySet    = errors.New("audio handler already set")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrSessionClosed         = errors.New("session closed")
	ErrNotConnected          = errors.New("transport not connected")
	ErrConnection            = errors.New("connection failed")
	ErrUnknownFunction       = errors.New("unknown function")
	ErrDuplicateFunction     = errors.New("function already registered")
	ErrMissingParameter      = errors.New("missing function parameter")
	ErrInvalidDomain         = errors.New("invalid record domain")
	ErrEmptyRecord           = errors.New("empty record")
	ErrRecordTooLarge        = errors.New("record too large")
)
