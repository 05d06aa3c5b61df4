package configflow

import "github.com/team-moca/moca-server/internal/util"

// whatsappFlow: phone -> verification code -> finished. WhatsApp has no
// account password, so the flow skips the password branch entirely.
type whatsappFlow struct {
	step string
	data map[string]any
}

func NewWhatsAppFlow() Flow {
	return &whatsappFlow{step: StepPhone, data: make(map[string]any)}
}

func (f *whatsappFlow) Current() string { return f.step }

func (f *whatsappFlow) Step(input map[string]any) (Prompt, error) {
	if f.step == StepFinished {
		if input == nil {
			return Prompt{Step: StepFinished, Finished: true, Data: f.data}, nil
		}
		return Prompt{}, ErrFlowFinished
	}
	if input == nil {
		return f.prompt(), nil
	}

	switch f.step {
	case StepPhone:
		if phone, ok := input["phone"].(string); ok {
			f.data["phone"] = util.NormalizePhone(phone)
		}
		f.step = StepVerificationCode
		return f.prompt(), nil
	default: // verification code
		if code, ok := input["verification_code"]; ok {
			f.data["verification_code"] = code
		}
		f.step = StepFinished
		return Prompt{Step: StepFinished, Finished: true, Data: f.data}, nil
	}
}

func (f *whatsappFlow) prompt() Prompt {
	if f.step == StepPhone {
		return Prompt{Step: StepPhone, Fields: []Field{{Name: "phone", Type: "string"}}}
	}
	return Prompt{Step: StepVerificationCode, Fields: []Field{{Name: "verification_code", Type: "string", Len: 6}}}
}
