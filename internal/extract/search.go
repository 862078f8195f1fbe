package extract

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/arrest-records-crawler/internal/crawler"
	"github.com/JakeFAU/arrest-records-crawler/internal/daterange"
)

// SearchURL builds the results URL for one page of one day window.
func SearchURL(targetURL string, page, pageSize int, chargeCode string, window crawler.Window) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("results", strconv.Itoa(pageSize))
	q.Set("minage", "")
	q.Set("maxage", "")
	q.Set("sex", "")
	q.Set("county", "")
	q.Set("chargecode", chargeCode)
	q.Set("fname", "")
	q.Set("fpartial", "True")
	q.Set("lname", "")
	q.Set("startdate", daterange.FormatSearchDate(window.Start))
	q.Set("enddate", daterange.FormatSearchDate(window.End))
	return strings.TrimRight(targetURL, "/") + "/search.php?" + q.Encode()
}

// ChargeCode renders a category code as the search filter value. A missing
// code filters nothing.
func ChargeCode(code *int) string {
	if code == nil {
		return ""
	}
	return strconv.Itoa(*code)
}
