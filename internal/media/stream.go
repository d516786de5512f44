package media

import "sort"

// BestAudioStream picks the audio stream a transcode should use.
//
// Only audio streams qualify. Candidates are ranked by channel count,
// declared bitrate and sample rate, all descending; the lowest index wins a
// full tie.
func BestAudioStream(streams []StreamInfo) (StreamInfo, error) {
	candidates := make([]StreamInfo, 0, len(streams))
	for _, s := range streams {
		if s.MediaType == MediaTypeAudio {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return StreamInfo{}, ErrNoAudioStream
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Channels != b.Channels {
			return a.Channels > b.Channels
		}
		if a.BitRate != b.BitRate {
			return a.BitRate > b.BitRate
		}
		if a.SampleRate != b.SampleRate {
			return a.SampleRate > b.SampleRate
		}
		return a.Index < b.Index
	})
	return candidates[0], nil
}
