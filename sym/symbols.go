// Package sym holds the glyphs slate uses to tag log lines and CLI output.
package sym

const (
	// Pulse marks engine activity: ticks, claims, the driver loop.
	Pulse = "꩜"
	// PulseOpen marks startup of a long-lived component.
	PulseOpen = "✿"
	// PulseClose marks graceful shutdown.
	PulseClose = "❀"
	// DB marks storage and migrations.
	DB = "⊔"
	// Gate marks an approval gate raised or resolved.
	Gate = "⋈"
)
