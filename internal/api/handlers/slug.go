package handlers

import (
	"math/rand/v2"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

var (
	slugAdjectives = []string{
		"amber", "brave", "calm", "dusty", "eager", "fancy", "gentle", "happy",
		"icy", "jolly", "keen", "lively", "misty", "noble", "odd", "proud",
		"quiet", "rapid", "shy", "tidy", "urban", "vast", "witty", "young",
	}
	slugNouns = []string{
		"apple", "bison", "cloud", "delta", "ember", "falcon", "garden", "harbor",
		"island", "jungle", "kettle", "lantern", "meadow", "nebula", "otter", "pepper",
		"quartz", "river", "summit", "tiger", "umbrella", "valley", "willow", "zebra",
	}
)

// ValidSlug reports whether s can be used as a hostname label.
func ValidSlug(s string) bool {
	return slugPattern.MatchString(s)
}

// GenerateSlug returns a random hostname-safe project slug such as
// "misty-otter-3f2a".
func GenerateSlug() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return slugAdjectives[rand.IntN(len(slugAdjectives))] + "-" +
		slugNouns[rand.IntN(len(slugNouns))] + "-" + suffix
}
