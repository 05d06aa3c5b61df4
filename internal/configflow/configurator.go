package configflow

import (
	"fmt"
	"sync"

	"github.com/team-moca/moca-server/internal/util"
)

// Configurator owns the in-memory table of active flows. Flows do not
// survive a restart; callers must start over.
type Configurator struct {
	registry *Registry

	mu    sync.Mutex
	flows map[string]Flow
}

func NewConfigurator(registry *Registry) *Configurator {
	return &Configurator{
		registry: registry,
		flows:    make(map[string]Flow),
	}
}

// StartFlow creates a flow for the connector type and returns its id
// together with the first prompt.
func (c *Configurator) StartFlow(connectorType string) (string, Prompt, error) {
	flowID := util.NewFlowID()
	prompt, err := c.Start(flowID, connectorType)
	if err != nil {
		return "", Prompt{}, err
	}
	return flowID, prompt, nil
}

// Start registers a flow under a caller-supplied id. The bus protocol
// lets the requesting side allocate flow ids, so a connector keys its
// table by the id it was handed. Starting an id again replaces the old
// flow.
func (c *Configurator) Start(flowID, connectorType string) (Prompt, error) {
	flow, err := c.registry.New(connectorType)
	if err != nil {
		return Prompt{}, err
	}
	prompt, err := flow.Step(nil)
	if err != nil {
		return Prompt{}, err
	}

	c.mu.Lock()
	c.flows[flowID] = flow
	c.mu.Unlock()
	return prompt, nil
}

// Submit feeds user input into the flow. When the returned prompt is
// terminal the flow is removed from the table.
func (c *Configurator) Submit(flowID string, input map[string]any) (Prompt, error) {
	c.mu.Lock()
	flow, ok := c.flows[flowID]
	c.mu.Unlock()
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrUnknownFlow, flowID)
	}

	prompt, err := flow.Step(input)
	if err != nil {
		return Prompt{}, err
	}
	if prompt.Finished {
		c.mu.Lock()
		delete(c.flows, flowID)
		c.mu.Unlock()
	}
	return prompt, nil
}

// GetFlow looks up an active flow by id.
func (c *Configurator) GetFlow(flowID string) (Flow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	flow, ok := c.flows[flowID]
	return flow, ok
}

func (c *Configurator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flows)
}
