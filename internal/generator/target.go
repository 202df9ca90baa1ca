package generator

import "net/url"

const messagesPath = "/v1/messages"

func buildTargetURL(baseURL, path string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "https", Host: "api.anthropic.com"}
	}
	u.Path = path
	u.RawQuery = ""
	return u.String()
}
