package tgui

import "strings"

// Card accumulates HTML lines for one message.
type Card struct {
	lines []string
}

func NewCard() *Card { return &Card{} }

func (c *Card) Title(title string) *Card {
	if t := strings.TrimSpace(title); t != "" {
		c.lines = append(c.lines, B(t).String())
	}
	return c
}

// Line appends escaped text; an empty string yields a blank line.
func (c *Card) Line(s string) *Card {
	c.lines = append(c.lines, Esc(s).String())
	return c
}

// HTML appends an already-safe line.
func (c *Card) HTML(h H) *Card {
	c.lines = append(c.lines, string(h))
	return c
}

// KV appends a "• key: value" row.
func (c *Card) KV(key, value string) *Card {
	key = strings.TrimSpace(key)
	if key == "" {
		return c
	}
	c.lines = append(c.lines, "• "+B(key).String()+": "+Esc(strings.TrimSpace(value)).String())
	return c
}

func (c *Card) Bullet(s string) *Card {
	if s = strings.TrimSpace(s); s != "" {
		c.lines = append(c.lines, "• "+Esc(s).String())
	}
	return c
}

func (c *Card) Blank() *Card { return c.Line("") }

func (c *Card) Len() int { return len(c.lines) }

func (c *Card) String() string { return strings.Trim(strings.Join(c.lines, "\n"), "\n") }
