package scraper

import (
	"github.com/lucasdmn/instagram-scraper/internal/models"
	"github.com/lucasdmn/instagram-scraper/internal/normalize"
)

// MergeProfiles fills holes in the primary tier's profile from the
// fallback tier. Primary values always win; the fallback only
// contributes fields the primary left empty.
func MergeProfiles(primary, fallback models.Profile) models.Profile {
	out := primary
	if out.Username == "" {
		out.Username = fallback.Username
	}
	if out.FullName == "" {
		out.FullName = fallback.FullName
	}
	if out.ProfileURL == "" {
		out.ProfileURL = fallback.ProfileURL
	}
	if out.Bio == "" {
		out.Bio = fallback.Bio
	}
	if out.FollowerCount == nil {
		out.FollowerCount = fallback.FollowerCount
	}
	if out.FollowingCount == nil {
		out.FollowingCount = fallback.FollowingCount
	}
	if out.PostCount == nil {
		out.PostCount = fallback.PostCount
	}
	if !out.Verified {
		out.Verified = fallback.Verified
	}
	if !out.IsPrivate {
		out.IsPrivate = fallback.IsPrivate
	}
	return out
}

// MergePosts combines both tiers keyed by canonical post URL. Primary
// posts keep their order and values, fallback data only fills their
// holes; fallback-only posts append after. The result is truncated to
// maxPosts, primary first.
func MergePosts(primary, fallback []models.Post, maxPosts int) []models.Post {
	byURL := make(map[string]int, len(primary))
	out := make([]models.Post, 0, len(primary)+len(fallback))

	for _, p := range primary {
		url := normalize.CanonicalURL(p.PostURL)
		if url == "" {
			continue
		}
		if _, seen := byURL[url]; seen {
			continue
		}
		p.PostURL = url
		byURL[url] = len(out)
		out = append(out, p)
	}

	for _, f := range fallback {
		url := normalize.CanonicalURL(f.PostURL)
		if url == "" {
			continue
		}
		if idx, seen := byURL[url]; seen {
			out[idx] = fillPostHoles(out[idx], f)
			continue
		}
		f.PostURL = url
		byURL[url] = len(out)
		out = append(out, f)
	}

	if maxPosts > 0 && len(out) > maxPosts {
		out = out[:maxPosts]
	}
	return out
}

func fillPostHoles(primary, fallback models.Post) models.Post {
	if primary.Caption == "" {
		primary.Caption = fallback.Caption
	}
	if primary.LikeCount == 0 {
		primary.LikeCount = fallback.LikeCount
	}
	if primary.CommentCount == 0 {
		primary.CommentCount = fallback.CommentCount
	}
	if primary.PostedAt == nil {
		primary.PostedAt = fallback.PostedAt
	}
	if primary.PostedAtRaw == "" {
		primary.PostedAtRaw = fallback.PostedAtRaw
	}
	return primary
}
