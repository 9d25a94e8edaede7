package domain

import "strings"

// PlatformProfile описывает ограничения и настройки адаптации для платформы.
type PlatformProfile struct {
	ID              string `json:"id"`
	CharacterLimit  int    `json:"character_limit"`
	IncludeHashtags bool   `json:"include_hashtags"`
	IncludeImages   bool   `json:"include_images"`
	MaxHashtags     int    `json:"max_hashtags"`
	MaxMedia        int    `json:"max_media"`
}

// ChannelConstraints хранит ограничения канала из реестра. Нулевые значения не переопределяют профиль.
type ChannelConstraints struct {
	CharacterLimit  int   `json:"character_limit"`
	IncludeHashtags *bool `json:"include_hashtags,omitempty"`
	IncludeImages   *bool `json:"include_images,omitempty"`
	MaxHashtags     int   `json:"max_hashtags"`
	MaxMedia        int   `json:"max_media"`
}

const (
	PlatformBlog      = "blog"
	PlatformFacebook  = "facebook"
	PlatformLinkedIn  = "linkedin"
	PlatformTwitter   = "twitter"
	PlatformInstagram = "instagram"
	PlatformPinterest = "pinterest"
	PlatformTelegram  = "telegram"
)

var profiles = map[string]PlatformProfile{
	PlatformBlog: {
		ID:              PlatformBlog,
		CharacterLimit:  100000,
		IncludeHashtags: false,
		IncludeImages:   true,
		MaxMedia:        20,
	},
	PlatformFacebook: {
		ID:              PlatformFacebook,
		CharacterLimit:  63206,
		IncludeHashtags: true,
		IncludeImages:   true,
		MaxHashtags:     10,
		MaxMedia:        10,
	},
	PlatformLinkedIn: {
		ID:              PlatformLinkedIn,
		CharacterLimit:  3000,
		IncludeHashtags: true,
		IncludeImages:   true,
		MaxHashtags:     5,
		MaxMedia:        9,
	},
	PlatformTwitter: {
		ID:              PlatformTwitter,
		CharacterLimit:  280,
		IncludeHashtags: true,
		IncludeImages:   true,
		MaxHashtags:     3,
		MaxMedia:        4,
	},
	PlatformInstagram: {
		ID:              PlatformInstagram,
		CharacterLimit:  2200,
		IncludeHashtags: true,
		IncludeImages:   true,
		MaxHashtags:     30,
		MaxMedia:        10,
	},
	PlatformPinterest: {
		ID:              PlatformPinterest,
		CharacterLimit:  500,
		IncludeHashtags: true,
		IncludeImages:   true,
		MaxHashtags:     20,
		MaxMedia:        1,
	},
	PlatformTelegram: {
		ID:              PlatformTelegram,
		CharacterLimit:  4096,
		IncludeHashtags: true,
		IncludeImages:   false,
		MaxHashtags:     10,
	},
}

// ProfileFor возвращает профиль платформы по умолчанию.
// Для неизвестной платформы лимит не задан, и адаптация вернёт ErrInvalidPlatformProfile,
// пока реестр канала не сообщит ограничения.
func ProfileFor(platform string) PlatformProfile {
	key := strings.ToLower(strings.TrimSpace(platform))
	if profile, ok := profiles[key]; ok {
		return profile
	}
	return PlatformProfile{ID: key}
}

// Apply накладывает ограничения канала на профиль.
func (c ChannelConstraints) Apply(profile PlatformProfile) PlatformProfile {
	if c.CharacterLimit > 0 {
		profile.CharacterLimit = c.CharacterLimit
	}
	if c.IncludeHashtags != nil {
		profile.IncludeHashtags = *c.IncludeHashtags
	}
	if c.IncludeImages != nil {
		profile.IncludeImages = *c.IncludeImages
	}
	if c.MaxHashtags > 0 {
		profile.MaxHashtags = c.MaxHashtags
	}
	if c.MaxMedia > 0 {
		profile.MaxMedia = c.MaxMedia
	}
	return profile
}

// Profile возвращает итоговый профиль канала.
func (c Channel) Profile() PlatformProfile {
	return c.Constraints.Apply(ProfileFor(c.Platform))
}
