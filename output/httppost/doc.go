// Package httppost provides the webhook sink: every dispatch item is POSTed to a URL as an
// array of records.
//
// Configuration:
//
//	{
//	  "url": "https://example.com/ruuvi",
//	  "headers": {"Authorization": "Bearer ..."},
//	  "timeout": 10,
//	  "retry_count": 2,
//	  "encoding": "json",
//	  "ping_url": "https://example.com/health",
//	  "tls": {"enabled": true, "ca_files": ["/etc/ruuvigw/ca.pem"]}
//	}
//
// A 2xx response is success. 408, 429 and 5xx responses and network errors are transient
// and retried retry_count times before the item goes back to the sink queue. Any other
// status means the endpoint rejected the payload. It is reported as errors.ErrPublishRejected
// and the item goes back to the sink queue like any other failed send.
//
// Items carrying the resend flag are sent with the X-Ruuvigw-Resend: true header.
package httppost
