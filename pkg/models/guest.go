package models

// Channel identifies one of the external chat networks the hub speaks to.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelLine     Channel = "line"
	ChannelKakao    Channel = "kakao"
	ChannelWebchat  Channel = "webchat"
)

// Channels lists every network the hub has an adapter for.
var Channels = []Channel{ChannelWhatsApp, ChannelLine, ChannelKakao, ChannelWebchat}

// Valid reports whether c names a known channel.
func (c Channel) Valid() bool {
	for _, k := range Channels {
		if c == k {
			return true
		}
	}
	return false
}

// Guest is a resolved human identity across channels. A channel identity
// (phone number, platform user id) binds to at most one Guest at a time;
// rebinding is an explicit operation, never a silent overwrite.
type Guest struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Language string `json:"language,omitempty"`
	// LoyaltyTier is an opaque label sourced from the PMS boundary.
	LoyaltyTier string `json:"loyalty_tier,omitempty"`
	// Bindings maps channel -> channel identity (e.g. phone, LINE user id).
	Bindings map[Channel]string `json:"bindings,omitempty"`
	// Archived guests are never hard-deleted.
	Archived bool `json:"archived,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// LastActiveTS is the receipt time (ns) of the guest's latest inbound
	// message; it breaks ties during identity-conflict resolution.
	LastActiveTS int64 `json:"last_active_ts,omitempty"`
}
