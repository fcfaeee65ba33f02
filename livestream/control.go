package livestream

import (
	"sync"

	"pkt.systems/crewwatch/schema"
)

// ControlClient is a Client attached to a crew control stream. It can start
// an execution and, once the server announces the execution id, cancel it or
// answer a human input request. Sends while the stream is not open are
// dropped and reported as false; nothing is queued.
type ControlClient struct {
	*Client

	mu        sync.Mutex
	execution schema.ExecutionID
}

// NewControl returns a control client.
func NewControl(cfg Config) (*ControlClient, error) {
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	cc := &ControlClient{Client: client}
	client.observe(cc.track)
	return cc, nil
}

// Connect attaches to the control stream of crew and forgets any execution
// id learned on a previous session.
func (c *ControlClient) Connect(crew schema.CrewID) {
	c.mu.Lock()
	c.execution = ""
	c.mu.Unlock()
	c.Client.Connect(schema.CrewTarget(crew))
}

// ExecutionID returns the id announced by the last execution_created event.
func (c *ControlClient) ExecutionID() schema.ExecutionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.execution
}

// Kickoff starts a crew execution with inputs.
func (c *ControlClient) Kickoff(inputs map[string]any) bool {
	return c.send(schema.NewKickoff(inputs))
}

// Cancel cancels the announced execution. Without an announced id nothing is
// sent.
func (c *ControlClient) Cancel() bool {
	id := c.ExecutionID()
	if id == "" {
		c.log.Debug("livestream cancel skipped", "err", schema.ErrNoExecution)
		return false
	}
	return c.send(schema.NewCancel(id))
}

// SubmitFeedback answers a human_input_required event for the announced
// execution.
func (c *ControlClient) SubmitFeedback(feedback map[string]any) bool {
	id := c.ExecutionID()
	if id == "" {
		c.log.Debug("livestream feedback skipped", "err", schema.ErrNoExecution)
		return false
	}
	return c.send(schema.NewHumanFeedback(id, feedback))
}

func (c *ControlClient) track(event schema.StreamEvent) {
	if event.Type != schema.EventExecutionCreated || event.ExecutionID == "" {
		return
	}
	c.mu.Lock()
	c.execution = schema.ExecutionID(event.ExecutionID)
	c.mu.Unlock()
}
