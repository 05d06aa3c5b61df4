package configflow

import (
	"errors"
	"testing"
)

func TestTelegramFlowScenario(t *testing.T) {
	flow := NewTelegramFlow()

	prompt, err := flow.Step(nil)
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Step != StepPhone || len(prompt.Fields) != 1 || prompt.Fields[0].Name != "phone" {
		t.Fatalf("expected phone prompt, got %+v", prompt)
	}

	// an empty answer still counts as input and advances the flow
	prompt, err = flow.Step(map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Step != StepVerificationCode {
		t.Fatalf("expected verification_code prompt, got %+v", prompt)
	}
	if prompt.Fields[0].Len != 6 {
		t.Fatalf("expected 6-char code field, got %+v", prompt.Fields[0])
	}

	prompt, err = flow.Step(map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Step != StepPassword {
		t.Fatalf("expected password prompt, got %+v", prompt)
	}

	prompt, err = flow.Step(map[string]any{"password": "s3cret"})
	if err != nil {
		t.Fatal(err)
	}
	if !prompt.Finished {
		t.Fatalf("expected terminal prompt, got %+v", prompt)
	}
	if prompt.Data["password"] != "s3cret" {
		t.Fatalf("expected accumulated data, got %+v", prompt.Data)
	}

	// no transition is valid once finished
	if _, err := flow.Step(map[string]any{}); !errors.Is(err, ErrFlowFinished) {
		t.Fatalf("expected ErrFlowFinished, got %v", err)
	}
}

func TestTelegramFlowNormalizesPhone(t *testing.T) {
	flow := NewTelegramFlow()
	if _, err := flow.Step(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := flow.Step(map[string]any{"phone": "+49 151 1234567"}); err != nil {
		t.Fatal(err)
	}
	flow.(*telegramFlow).step = StepFinished
	prompt, err := flow.Step(nil)
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Data["phone"] != "00491511234567" {
		t.Fatalf("expected normalized phone, got %v", prompt.Data["phone"])
	}
}

func TestWhatsAppFlowSkipsPassword(t *testing.T) {
	flow := NewWhatsAppFlow()
	if _, err := flow.Step(nil); err != nil {
		t.Fatal(err)
	}
	prompt, err := flow.Step(map[string]any{"phone": "+1 555 0100"})
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Step != StepVerificationCode {
		t.Fatalf("expected verification_code, got %+v", prompt)
	}
	prompt, err = flow.Step(map[string]any{"verification_code": "123456"})
	if err != nil {
		t.Fatal(err)
	}
	if !prompt.Finished {
		t.Fatalf("expected terminal prompt after code, got %+v", prompt)
	}
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	if _, err := r.New("carrier-pigeon"); !errors.Is(err, ErrUnknownConnectorType) {
		t.Fatalf("expected ErrUnknownConnectorType, got %v", err)
	}
}

func TestConfiguratorLifecycle(t *testing.T) {
	c := NewConfigurator(NewRegistry())

	flowID, prompt, err := c.StartFlow("whatsapp")
	if err != nil {
		t.Fatal(err)
	}
	if flowID == "" || prompt.Step != StepPhone {
		t.Fatalf("unexpected flow start: %q %+v", flowID, prompt)
	}
	if c.Active() != 1 {
		t.Fatalf("expected one active flow, got %d", c.Active())
	}

	if _, err := c.Submit(flowID, map[string]any{"phone": "+1 555 0100"}); err != nil {
		t.Fatal(err)
	}
	prompt, err = c.Submit(flowID, map[string]any{"verification_code": "000000"})
	if err != nil {
		t.Fatal(err)
	}
	if !prompt.Finished {
		t.Fatalf("expected finished, got %+v", prompt)
	}

	// terminal flows are dropped from the table
	if c.Active() != 0 {
		t.Fatalf("expected no active flows, got %d", c.Active())
	}
	if _, err := c.Submit(flowID, nil); !errors.Is(err, ErrUnknownFlow) {
		t.Fatalf("expected ErrUnknownFlow, got %v", err)
	}
}
