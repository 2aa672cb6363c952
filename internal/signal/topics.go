package signal

import (
	"strings"

	"github.com/verimeet/verimeet/internal/meetid"
)

// Topic layout under the configured prefix P:
//
//	P/presence/<meeting>              retained host claim
//	P/call/<meeting>                  participant's offer toward the host
//	P/answer/<meeting>/<caller>       host's answer back to one caller
//	P/candidate/host/<meeting>/<caller>  ICE from host to caller
//	P/candidate/peer/<meeting>/<caller>  ICE from caller to host
//	P/bye/<meeting>/<caller>          hang-up, busy or abort
//
// The relay never interprets payloads; routing is purely topic based.

func presenceTopic(prefix string, meeting meetid.ID) string {
	return prefix + "/presence/" + meeting.String()
}

func callTopic(prefix string, meeting meetid.ID) string {
	return prefix + "/call/" + meeting.String()
}

func answerTopic(prefix string, meeting meetid.ID, caller string) string {
	return prefix + "/answer/" + meeting.String() + "/" + caller
}

func candidateTopic(prefix, direction string, meeting meetid.ID, caller string) string {
	return prefix + "/candidate/" + direction + "/" + meeting.String() + "/" + caller
}

func byeTopic(prefix string, meeting meetid.ID, caller string) string {
	return prefix + "/bye/" + meeting.String() + "/" + caller
}

// AlertTopic is the publish topic for high-risk anomaly notifications.
func AlertTopic(prefix string, meeting meetid.ID) string {
	return prefix + "/alert/" + meeting.String()
}

// callerFromTopic extracts the trailing caller segment of a wildcard
// subscription match.
func callerFromTopic(topic string) string {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 || i == len(topic)-1 {
		return ""
	}
	return topic[i+1:]
}
