package domain

type Account struct {
	Name        string `json:"name"`
	AccountName string `json:"account_name"`
	Type        string `json:"type"`
	Role        string `json:"role,omitempty"`
}

type Location struct {
	Name         string `json:"name"`
	LocationName string `json:"location_name"`
	StoreCode    string `json:"store_code,omitempty"`
	Address      string `json:"address,omitempty"`
	Phone        string `json:"phone,omitempty"`
}

type Place struct {
	PlaceID  string `json:"place_id"`
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
	Category string `json:"category,omitempty"`
}

// PlaceStatus is the backend's view of the stored platform session.
type PlaceStatus struct {
	LoggedIn bool   `json:"logged_in"`
	UserID   string `json:"user_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

// AISettings is the per-place reply generation configuration.
type AISettings struct {
	Friendliness       int     `json:"friendliness" validate:"min=1,max=10"`
	Formality          int     `json:"formality" validate:"min=1,max=10"`
	ReplyLengthMin     int     `json:"reply_length_min" validate:"min=50,max=450"`
	ReplyLengthMax     int     `json:"reply_length_max" validate:"min=50,max=450,gtefield=ReplyLengthMin"`
	Diversity          float64 `json:"diversity" validate:"min=0.5,max=1"`
	UseTextEmoticons   bool    `json:"use_text_emoticons"`
	MentionSpecifics   bool    `json:"mention_specifics"`
	BrandVoice         string  `json:"brand_voice" validate:"required"`
	ResponseStyle      string  `json:"response_style" validate:"required"`
	CustomInstructions string  `json:"custom_instructions" validate:"max=2000"`
}

func DefaultAISettings() AISettings {
	return AISettings{
		Friendliness:     7,
		Formality:        7,
		ReplyLengthMin:   100,
		ReplyLengthMax:   450,
		Diversity:        0.9,
		UseTextEmoticons: true,
		MentionSpecifics: true,
		BrandVoice:       "warm",
		ResponseStyle:    "quick_thanks",
	}
}
