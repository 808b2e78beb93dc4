// Package likes answers read-side questions over like blocks: who liked what,
// what an author posted, and how many likes each item collected.
package likes

import (
	"context"
	"fmt"

	"swarmfeed/internal/ledger"
)

// BlockSource is the slice of the ledger the index reads.
type BlockSource interface {
	BlocksByType(ctx context.Context, typ string) ([]ledger.Block, error)
}

// Like is one proposal block's like transaction.
type Like struct {
	Liker     string `json:"liker"`
	Video     string `json:"video"`
	Torrent   string `json:"torrent"`
	Author    string `json:"author"`
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	Agreed    bool   `json:"agreed"`
}

// Content identifies a liked item.
type Content struct {
	Video   string `json:"video"`
	Torrent string `json:"torrent"`
}

// PostedVideo is an author's content item with the likes it received.
type PostedVideo struct {
	Video   string `json:"video"`
	Torrent string `json:"torrent"`
	Likes   int    `json:"likes"`
}

// Profile summarises an author.
type Profile struct {
	Author     string `json:"author"`
	Videos     int    `json:"videos"`
	TotalLikes int    `json:"total_likes"`
}

// Index queries like blocks. It keeps no state of its own.
type Index struct {
	source BlockSource
}

func New(source BlockSource) *Index {
	return &Index{source: source}
}

// all returns like proposals in ledger order with their agreement flag.
// Agreements are co-signatures and never count as likes themselves. A like
// counts only when signed by its liker, and is agreed only when the author
// it names co-signed it.
func (x *Index) all(ctx context.Context) ([]Like, error) {
	blocks, err := x.source.BlocksByType(ctx, ledger.LikeBlockType)
	if err != nil {
		return nil, err
	}
	cosigners := make(map[string]map[string]bool)
	for _, b := range blocks {
		if b.IsProposal() {
			continue
		}
		key := linkKey(b.LinkPublicKey, b.LinkSequence)
		if cosigners[key] == nil {
			cosigners[key] = make(map[string]bool)
		}
		cosigners[key][b.Signer()] = true
	}
	out := make([]Like, 0, len(blocks))
	for _, b := range blocks {
		if !b.IsProposal() || b.Transaction[ledger.TxLiker] != b.Signer() {
			continue
		}
		out = append(out, Like{
			Liker:     b.Transaction[ledger.TxLiker],
			Video:     b.Transaction[ledger.TxVideo],
			Torrent:   b.Transaction[ledger.TxTorrent],
			Author:    b.Transaction[ledger.TxAuthor],
			Hash:      b.HashHex(),
			Timestamp: b.Timestamp,
			Agreed:    cosigners[linkKey(b.PublicKey, b.Sequence)][b.Transaction[ledger.TxAuthor]],
		})
	}
	return out, nil
}

func linkKey(pub []byte, seq uint64) string {
	return fmt.Sprintf("%x/%d", pub, seq)
}

// GetLikes returns every like of (video, torrent).
func (x *Index) GetLikes(ctx context.Context, video, torrent string) ([]Like, error) {
	all, err := x.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Like
	for _, l := range all {
		if l.Video == video && l.Torrent == torrent {
			out = append(out, l)
		}
	}
	return out, nil
}

// UserLikedVideo reports whether liker has liked (video, torrent).
func (x *Index) UserLikedVideo(ctx context.Context, video, torrent, liker string) (bool, error) {
	likes, err := x.GetLikes(ctx, video, torrent)
	if err != nil {
		return false, err
	}
	for _, l := range likes {
		if l.Liker == liker {
			return true, nil
		}
	}
	return false, nil
}

// GetPostedVideos groups the author's likes by content item. The count is
// the number of likes received, in first-seen ledger order.
func (x *Index) GetPostedVideos(ctx context.Context, author string) ([]PostedVideo, error) {
	all, err := x.all(ctx)
	if err != nil {
		return nil, err
	}
	pos := make(map[Content]int)
	var out []PostedVideo
	for _, l := range all {
		if l.Author != author {
			continue
		}
		key := Content{Video: l.Video, Torrent: l.Torrent}
		i, ok := pos[key]
		if !ok {
			i = len(out)
			pos[key] = i
			out = append(out, PostedVideo{Video: l.Video, Torrent: l.Torrent})
		}
		out[i].Likes++
	}
	return out, nil
}

// ListLikedContent returns the items liker has liked, in ledger order.
func (x *Index) ListLikedContent(ctx context.Context, liker string) ([]Content, error) {
	all, err := x.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Content
	for _, l := range all {
		if l.Liker == liker {
			out = append(out, Content{Video: l.Video, Torrent: l.Torrent})
		}
	}
	return out, nil
}

// LikesReceived is the notification feed for author, newest first.
func (x *Index) LikesReceived(ctx context.Context, author string) ([]Like, error) {
	all, err := x.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []Like
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Author == author {
			out = append(out, all[i])
		}
	}
	return out, nil
}

// Profile counts the author's distinct videos and total likes.
func (x *Index) Profile(ctx context.Context, author string) (Profile, error) {
	posted, err := x.GetPostedVideos(ctx, author)
	if err != nil {
		return Profile{}, err
	}
	p := Profile{Author: author, Videos: len(posted)}
	for _, v := range posted {
		p.TotalLikes += v.Likes
	}
	return p, nil
}
