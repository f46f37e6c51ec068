package model

// Persona is one personality configuration. Optional identifiers are empty
// when not configured.
type Persona struct {
	Name              string `json:"name" validate:"required,max=120"`
	Bio               string `json:"bio"`
	Description       string `json:"description,omitempty"`
	PromptFile        string `json:"prompt_file" validate:"required"`
	ImageFile         string `json:"image_file,omitempty"`
	ElevenLabsVoiceID string `json:"elevenlabs_voice_id,omitempty"`
	HeyGenVoiceID     string `json:"heygen_voice_id,omitempty"`
	HeyGenAvatarID    string `json:"heygen_avatar_id,omitempty"`
}

// PersonaSummary is the list view of a persona.
type PersonaSummary struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Bio             string `json:"bio"`
	Description     string `json:"description,omitempty"`
	HasImage        bool   `json:"has_image"`
	HasElevenLabs   bool   `json:"has_elevenlabs"`
	HasHeyGenVoice  bool   `json:"has_heygen_voice"`
	HasHeyGenAvatar bool   `json:"has_heygen_avatar"`
}

// PersonaPatch carries a partial update; nil fields are left untouched.
type PersonaPatch struct {
	Name              *string `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Bio               *string `json:"bio,omitempty"`
	Description       *string `json:"description,omitempty"`
	PromptFile        *string `json:"prompt_file,omitempty" validate:"omitempty,min=1"`
	ImageFile         *string `json:"image_file,omitempty"`
	ElevenLabsVoiceID *string `json:"elevenlabs_voice_id,omitempty"`
	HeyGenVoiceID     *string `json:"heygen_voice_id,omitempty"`
	HeyGenAvatarID    *string `json:"heygen_avatar_id,omitempty"`
}

// Apply copies every non-nil patch field onto p.
func (patch PersonaPatch) Apply(p *Persona) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.Name, patch.Name)
	set(&p.Bio, patch.Bio)
	set(&p.Description, patch.Description)
	set(&p.PromptFile, patch.PromptFile)
	set(&p.ImageFile, patch.ImageFile)
	set(&p.ElevenLabsVoiceID, patch.ElevenLabsVoiceID)
	set(&p.HeyGenVoiceID, patch.HeyGenVoiceID)
	set(&p.HeyGenAvatarID, patch.HeyGenAvatarID)
}

// IsEmpty reports whether the patch changes nothing.
func (patch PersonaPatch) IsEmpty() bool {
	return patch.Name == nil && patch.Bio == nil && patch.Description == nil &&
		patch.PromptFile == nil && patch.ImageFile == nil && patch.ElevenLabsVoiceID == nil &&
		patch.HeyGenVoiceID == nil && patch.HeyGenAvatarID == nil
}

// PersonaValidation separates blocking errors from advisory warnings.
type PersonaValidation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// CreatePersonaRequest is the body of POST /api/personas.
type CreatePersonaRequest struct {
	ID string `json:"id" validate:"required,max=64"`
	Persona
}

// PersonaDetailResponse is a persona plus its current validation result.
type PersonaDetailResponse struct {
	ID         string            `json:"id"`
	Persona    Persona           `json:"persona"`
	Validation PersonaValidation `json:"validation"`
}
