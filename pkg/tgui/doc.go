// Package tgui holds small helpers for building Telegram-facing text:
// HTML-safe composition for ParseMode="HTML", rune-aware truncation, and
// inline-callback data packing.
package tgui
