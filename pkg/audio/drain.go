package audio

// Drain reads from ch until it is closed, discarding all values. Producers
// that block on an abandoned stream can then exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
