package models

// DefaultItinerary returns a fresh copy of the built-in trip used to seed an
// empty or missing itinerary document.
func DefaultItinerary() Itinerary {
	return Itinerary{Days: []Day{
		{
			DayNumber: 1, Date: "12/17 (三)", Theme: "抵達羽田與六本木夜景", Location: "東京, 六本木/銀座", Weather: "10°C / 5°C, 晴時多雲 (預估)",
			Items: []Item{
				{ID: 101, Type: Flight, Time: "07:15 - 11:00", Name: "去程航班：TSA > HND T3", Detail: "重要預約代號：請自行填寫。", Tags: []string{"重要預約代號"}},
				{ID: 102, Type: Restaurant, Time: "12:00", Name: "午餐：五代目花山烏龍麵", Detail: "HND T3。必吃寬麵條「鬼ひも川」沾麵。", Tags: []string{"必吃美食", "必點菜單"}},
				{ID: 103, Type: Spot, Time: "17:00", Name: "六本木Hills/敘敘苑晚餐", Detail: "觀景台需門票。晚餐建議提前預約！", Tags: []string{"必點菜單", "攻略: 建議預約", "重要預約代號"}},
			},
		},
		{
			DayNumber: 2, Date: "12/18 (四)", Theme: "銀座與澀谷時尚購物", Location: "東京, 銀座/澀谷", Weather: "12°C / 6°C, 多雲",
			Items: []Item{
				{ID: 201, Type: Spot, Time: "16:30", Name: "Shibuya Sky", Detail: "觀景時間建議選在日落前一小時。務必提前網路購票！", Tags: []string{"重要預約代號", "攻略: 務必提前網路購票"}},
			},
		},
		{
			DayNumber: 3, Date: "12/19 (五)", Theme: "淺草、晴空塔與迪士尼", Location: "東京, 淺草/舞浜", Weather: "14°C / 7°C, 陰天",
			Items: []Item{
				{ID: 301, Type: Spot, Time: "09:00", Name: "淺草（雷門）", Detail: "東京最古老的寺廟之一。必買伴手禮：仲見世通的人形燒。", Tags: []string{"景點故事", "必買伴手禮: 人形燒"}},
				{ID: 302, Type: Spot, Time: "14:30", Name: "Disney Sea Day", Detail: "必吃美食：煙燻火雞腿、三眼怪麻糬。攻略：App 搶 DPA。", Tags: []string{"必吃美食", "必點菜單: 火雞腿"}},
			},
		},
		{
			DayNumber: 4, Date: "12/23 (二)", Theme: "賦歸", Location: "羽田國際機場", Weather: "11°C / 4°C, 晴朗",
			Items: []Item{
				{ID: 401, Type: Flight, Time: "12:15 - 15:05", Name: "回程航班：HND T3 > TSA", Detail: "確認航班登機門。", Tags: []string{"重要預約代號"}},
			},
		},
	}}
}
