/*
Package frame defines the line-delimited wire format exchanged over a duplex channel.

Every line in a log file is one JSON object:

	{"from":"initiator","seq":3,"ack":1,"type":"data","payload":{...}}

"from" is the sender's role, "seq" numbers the sender's frames from 1 with no gaps, and "ack" is the highest
seq the sender has processed from its peer. The message kinds form a closed set; each is a Go type implementing
Message, so receivers dispatch with a type switch rather than by string.
*/
package frame
