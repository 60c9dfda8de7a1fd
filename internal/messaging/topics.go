package messaging

// Topic constants for the mining pool messaging system
const (
	TopicShares       = "hive.shares"         // poold → analytics consumers
	TopicBlocksFound  = "hive.blocks.found"   // poold → blocksubmit (HOT PATH)
	TopicBlockResults = "hive.blocks.results" // blocksubmit → poold
)

// Consumer groups
const (
	GroupBlockSubmit  = "hive-blocksubmit"
	GroupBlockResults = "hive-poold-results"
)
