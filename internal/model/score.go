package model

const (
	likeWeight    = 1.0
	commentWeight = 0.5
	childWeight   = 0.25
)

// RecomputeScore refreshes the node's recommendation score from its likes,
// comments and live children.
func (n *Node) RecomputeScore() {
	n.Score = float64(len(n.Likes))*likeWeight +
		float64(len(n.Comments))*commentWeight +
		float64(len(n.Children))*childWeight
}
