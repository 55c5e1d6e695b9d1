package session

import (
	"log"
	"sync"
)

// Named pipeline events. Listeners observe the message lifecycle without
// being able to abort it.
const (
	EventSessionStarted             = "session_started"
	EventSessionEnded               = "session_ended"
	EventBeforeMessageProcessing    = "before_message_processing"
	EventBeforeUserMessageAdded     = "before_user_message_added"
	EventAfterUserMessageAdded      = "after_user_message_added"
	EventBeforeLLMCall              = "before_llm_call"
	EventAfterLLMCall               = "after_llm_call"
	EventAfterAssistantMessageAdded = "after_assistant_message_added"
	EventBeforeResponseSend         = "before_response_send"
	EventAfterResponseSend          = "after_response_send"
	EventMessageError               = "message_error"
	EventSessionError               = "session_error"
)

// Listener receives an event name and its payload. Listeners for one event
// run in parallel; a panic in one is logged and does not stop the others or
// the message being processed.
type Listener func(event string, payload map[string]any)

// Dispatcher fans events out to registered listeners.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{listeners: make(map[string][]Listener)}
}

// On registers a listener for the named event.
func (d *Dispatcher) On(event string, fn Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[event] = append(d.listeners[event], fn)
}

// Emit invokes all listeners for the event in parallel and waits for them.
func (d *Dispatcher) Emit(event string, payload map[string]any) {
	d.mu.RLock()
	fns := d.listeners[event]
	d.mu.RUnlock()
	if len(fns) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, fn := range fns {
		wg.Add(1)
		go func(fn Listener) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[Session] Listener panic on %s: %v", event, r)
				}
			}()
			fn(event, payload)
		}(fn)
	}
	wg.Wait()
}
