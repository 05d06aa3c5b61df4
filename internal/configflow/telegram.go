package configflow

import "github.com/team-moca/moca-server/internal/util"

// telegramFlow: phone -> verification code -> password -> finished.
// Telegram sends the verification code via SMS or phone call; the
// password step exists because 2FA accounts require it (accounts without
// 2FA submit an empty value).
type telegramFlow struct {
	step string
	data map[string]any
}

func NewTelegramFlow() Flow {
	return &telegramFlow{step: StepPhone, data: make(map[string]any)}
}

func (f *telegramFlow) Current() string { return f.step }

func (f *telegramFlow) Step(input map[string]any) (Prompt, error) {
	if f.step == StepFinished {
		if input == nil {
			return f.finished(), nil
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
	case StepVerificationCode:
		if code, ok := input["verification_code"]; ok {
			f.data["verification_code"] = code
		}
		f.step = StepPassword
	case StepPassword:
		if pw, ok := input["password"]; ok {
			f.data["password"] = pw
		}
		f.step = StepFinished
	}

	if f.step == StepFinished {
		return f.finished(), nil
	}
	return f.prompt(), nil
}

func (f *telegramFlow) prompt() Prompt {
	switch f.step {
	case StepPhone:
		return Prompt{Step: StepPhone, Fields: []Field{{Name: "phone", Type: "string"}}}
	case StepVerificationCode:
		return Prompt{Step: StepVerificationCode, Fields: []Field{{Name: "verification_code", Type: "string", Len: 6}}}
	default:
		return Prompt{Step: StepPassword, Fields: []Field{{Name: "password", Type: "string"}}}
	}
}

func (f *telegramFlow) finished() Prompt {
	return Prompt{Step: StepFinished, Finished: true, Data: f.data}
}
