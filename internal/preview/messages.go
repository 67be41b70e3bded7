package preview

import (
	"github.com/euforicio/mdlive/internal/layout"
	"github.com/euforicio/mdlive/internal/toc"
)

// Channel names a message stream between the controller and the surface.
type Channel string

// Channels sent to the surface.
const (
	ChannelRenderFull     Channel = "render-full"
	ChannelRenderUpdate   Channel = "render-update"
	ChannelFontSizeUpdate Channel = "font-size-update"
	ChannelScrollToRatio  Channel = "scroll-to-ratio"
	ChannelScrollToTarget Channel = "scroll-to-target"
	ChannelLayoutUpdate   Channel = "layout-update"
)

// Channels emitted by the surface.
const (
	ChannelSurfaceReady       Channel = "surface-ready"
	ChannelContentInitialized Channel = "content-initialized"
	ChannelLinkActivated      Channel = "link-activated"
)

// Inbound reports whether the surface may emit on this channel.
func (c Channel) Inbound() bool {
	switch c {
	case ChannelSurfaceReady, ChannelContentInitialized, ChannelLinkActivated:
		return true
	default:
		return false
	}
}

// Message is one outbound, fire-and-forget control message.
type Message struct {
	Channel Channel
	Payload any
}

// Event is one inbound signal from the surface.
type Event struct {
	Channel Channel  `json:"channel"`
	Args    []string `json:"args,omitempty"`
}

// RenderFull is the first dispatch after the surface initializes. Every field
// is populated.
type RenderFull struct {
	HTML       string      `json:"html"`
	EditorMode layout.Mode `json:"editorMode"`
	FontSize   float64     `json:"fontSize"`
	Theme      string      `json:"theme"`
	Platform   string      `json:"platform"`
}

// RenderUpdate carries content, mode and theme changes after initialization.
type RenderUpdate struct {
	HTML       string      `json:"html"`
	EditorMode layout.Mode `json:"editorMode"`
	Theme      string      `json:"theme"`
}

// FontSizeUpdate changes the font size without a re-render.
type FontSizeUpdate struct {
	FontSize float64 `json:"fontSize"`
}

// ScrollToRatio scrolls the surface proportionally, 0 is the top.
type ScrollToRatio struct {
	Ratio float64 `json:"ratio"`
}

// ScrollToTarget scrolls to the first heading matching depth and text.
type ScrollToTarget = toc.Target

// LayoutUpdate resizes the surface body.
type LayoutUpdate struct {
	BodyWidth layout.Width `json:"bodyWidth"`
	Classes   string       `json:"classes"`
}
