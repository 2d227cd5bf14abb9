// Package tgui renders Telegram HTML messages: escaping helpers, a small
// card builder and a splitter for the 4096-character message limit.
package tgui
