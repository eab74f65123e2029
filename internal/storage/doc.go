package storage

// Package storage persists the bot's record collections (schedules, events)
// as whole documents. Each Save rewrites a collection atomically; there is no
// partial update path, which keeps a crash from ever corrupting the store.
