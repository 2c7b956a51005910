// Package content is the repository for posts and their comments.
//
// Every mutation authorizes and writes inside one transaction, then emits a
// domain event after commit. ListVisiblePosts is the only way a viewer
// reads a feed; each returned row has been filtered by the database and
// re-checked with visibility.IsVisible.
package content
