package scraper

import "fmt"

// Agent task prompts. Each one pins the exact JSON shape the run must
// return, because everything downstream decodes final_result.

func profileTask(profileURL string) string {
	return fmt.Sprintf(`Open the Instagram profile at %s and wait for it to load.
Read the profile header: username, full name, bio, follower count, following count, post count, whether the account is private and whether it is verified.
Use random short delays between actions and do not rely on fixed CSS selectors.
Return ONLY a JSON object, no prose, in this shape:
{"username": "", "full_name": "", "bio": "", "is_private": false, "verified": false, "follower_count": 0, "following_count": 0, "post_count": 0}`,
		profileURL)
}

func postsTask(profileURL string, maxPosts int) string {
	return fmt.Sprintf(`Open the Instagram profile at %s and wait for the post grid to load.
Visit the %d most recent posts. For each post record its URL, caption, like count, comment count and the posting date exactly as shown on the page (for example "3 days ago" or "12 de março").
Use random short delays between actions and do not rely on fixed CSS selectors.
Return ONLY a JSON object, no prose, in this shape:
{"posts": [{"post_url": "", "caption": "", "like_count": 0, "comment_count": 0, "posted_at_raw": ""}]}`,
		profileURL, maxPosts)
}

func likeUsersTask(postURL string, maxUsers int) string {
	return fmt.Sprintf(`Open the Instagram post at %s and click the like count to open the list of accounts that liked it.
Scroll the list and collect up to %d profile URLs. If the list cannot be opened (the count is hidden or the dialog will not appear), say so in the result.
Use random short delays between actions.
Return ONLY a JSON object, no prose, in this shape:
{"post_url": %q, "like_users": ["https://www.instagram.com/someuser/"]}`,
		postURL, maxUsers, postURL)
}
